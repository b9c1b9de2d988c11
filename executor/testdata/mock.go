//go:build wasip1

// Mock interpreter for testing session logic without a real Python build.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o mock.wasm mock.go
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

var stdin = bufio.NewReader(os.Stdin)

func call(fn string) any {
	req, _ := json.Marshal(map[string]any{"fn": fn, "args": map[string]any{}})
	fmt.Fprintf(os.Stderr, "\x00PYWB:%s\x00", req)
	line, err := stdin.ReadString('\n')
	if err != nil {
		os.Exit(2)
	}
	var resp struct {
		Data  any    `json:"data"`
		Error string `json:"error"`
	}
	json.Unmarshal([]byte(line), &resp)
	return resp.Data
}

func main() {
	fmt.Fprint(os.Stderr, "\x00PYWB_READY\x00")

	for {
		line, err := stdin.ReadString('\n')
		if err != nil {
			return
		}
		var cmd struct {
			Type     string   `json:"type"`
			Code     string   `json:"code"`
			Filename string   `json:"filename"`
			Args     []string `json:"args"`
		}
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			continue
		}
		if cmd.Type == "exit" {
			return
		}
		if cmd.Type != "exec" {
			continue
		}

		switch {
		case cmd.Code == "fail":
			fmt.Fprint(os.Stderr, "\x00PYWB_ERROR:Traceback (most recent call last):\nValueError: boom\n\x00")
		case cmd.Code == "hang":
			for call("interrupt_check") != true {
				time.Sleep(5 * time.Millisecond)
			}
			fmt.Fprint(os.Stderr, "\x00PYWB_ERROR:KeyboardInterrupt\n\x00")
		case cmd.Code == "spin":
			for {
				time.Sleep(time.Millisecond)
			}
		case cmd.Code == "crash":
			os.Exit(3)
		case strings.HasPrefix(cmd.Code, "warn "):
			fmt.Fprint(os.Stderr, strings.TrimPrefix(cmd.Code, "warn "))
			fmt.Fprint(os.Stderr, "\x00PYWB_DONE\x00")
		default:
			fmt.Print(cmd.Code)
			result, _ := json.Marshal(map[string]any{"filename": cmd.Filename, "args": cmd.Args})
			fmt.Fprintf(os.Stderr, "\x00PYWB_RESULT:%s\x00", result)
		}
	}
}
