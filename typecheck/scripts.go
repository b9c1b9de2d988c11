package typecheck

// noSourceFiles is raised by hashScript when the project has no Python
// files. The loop maps it to the empty hash.
const noSourceFiles = "No Python source files."

// hashScript evaluates to an md5 digest of every .py file under the
// working directory, read in sorted path order.
const hashScript = `
import hashlib
from pathlib import Path

paths = sorted(str(p) for p in Path("./").glob("**/*.py"))

if not paths:
    raise Exception("` + noSourceFiles + `")

py_hash = hashlib.md5()

for path in paths:
    with open(path, "rb") as f:
        for chunk in iter(lambda: f.read(65536), b""):
            py_hash.update(chunk)

py_hash.hexdigest()
`

// MypyVersion is the mypy release installed into the sandbox. It is pinned
// to a release whose wheel and dependencies are all pure Python.
const MypyVersion = "1.17.1"

// mypyScript installs mypy and its runtime dependencies when they are not
// importable yet, then evaluates to the JSON encoding of mypy's (report,
// summary, exit status) triple for the working directory.
const mypyScript = `
import importlib.util
import json
import micropip

for module, requirement in [
    ("typing_extensions", "typing-extensions"),
    ("mypy_extensions", "mypy_extensions"),
    ("pathspec", "pathspec"),
    ("mypy", "mypy==` + MypyVersion + `"),
]:
    if importlib.util.find_spec(module) is None:
        await micropip.install(requirement)

from mypy import api

json.dumps(api.run([".", "--exclude", "build/"]))
`
