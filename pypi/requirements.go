package pypi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ParseRequirements returns the requirement specs in a requirements.txt
// body. Comments, blank lines and pip options are skipped.
func ParseRequirements(data []byte) []string {
	var specs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		specs = append(specs, line)
	}
	return specs
}

// Requirements installs a project's requirements.txt, skipping the work
// when the file content has not changed since the last sync.
type Requirements struct {
	installer *Installer

	mu     sync.Mutex
	hashed bool
	hash   uint64
}

// NewRequirements returns a Requirements syncing through installer.
func NewRequirements(installer *Installer) *Requirements {
	return &Requirements{installer: installer}
}

// Sync installs every requirement in path if its content changed. A missing
// file is not an error. Individual install failures are passed to report
// and do not stop the remaining installs; the content hash is recorded
// either way so a broken requirement is not retried on every run.
// It reports whether an install pass ran.
func (r *Requirements) Sync(ctx context.Context, path string, report func(spec string, err error)) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read requirements: %w", err)
	}

	sum := xxhash.Sum64(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hashed && r.hash == sum {
		return false, nil
	}

	for _, spec := range ParseRequirements(data) {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if _, err := r.installer.Install(ctx, spec); err != nil && report != nil {
			report(spec, err)
		}
	}

	r.hashed = true
	r.hash = sum
	return true, nil
}
