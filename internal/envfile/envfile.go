// Package envfile implements the Environment Compositor of spec §4.4: it
// merges the current process environment with per-variable override files
// read from a service's optional env/ directory, grounded in the teacher's
// processmgr.NewProcessManager composition idiom
// (append(os.Environ(), "ENV=prod")) generalized to a directory of files.
package envfile

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// caseInsensitive reports whether variable name lookups should fold case,
// matching the native environment semantics of the target platform (spec
// §4.4). Only Windows does this; this target is POSIX.
const caseInsensitive = runtime.GOOS == "windows"

// normalize returns the lookup key for name, folding case when the
// platform's native environment is case-insensitive.
func normalize(name string) string {
	if caseInsensitive {
		return strings.ToUpper(name)
	}
	return name
}

// Compose builds the environment block for a child process: starting from
// the current process environment, applying every regular-file entry of
// dir as a name=value override (file name = variable name, contents =
// value), then expanding ${VAR}/$VAR references in the result against
// itself. An empty override file means "remove this variable". Entries
// whose name begins with "." or contains "=" are skipped (spec §4.4).
//
// dir may be empty, in which case Compose returns the process environment
// unmodified (after expansion).
func Compose(dir string) ([]string, error) {
	vals := make(map[string]string)
	order := make([]string, 0, 64)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key := normalize(k)
		if _, exists := vals[key]; !exists {
			order = append(order, k)
		}
		vals[key] = v
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") || strings.Contains(name, "=") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			value := strings.TrimRight(string(data), "\n")
			key := normalize(name)
			if len(data) == 0 {
				delete(vals, key)
				continue
			}
			if _, exists := vals[key]; !exists {
				order = append(order, name)
			}
			vals[key] = value
		}
	}

	out := make([]string, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		key := normalize(name)
		if seen[key] {
			continue
		}
		v, ok := vals[key]
		if !ok {
			continue
		}
		seen[key] = true
		out = append(out, name+"="+expand(v, vals))
	}
	return out, nil
}

// expand resolves $VAR and ${VAR} references in v against vals. Unknown
// references expand to the empty string, matching os.Expand's contract.
func expand(v string, vals map[string]string) string {
	return os.Expand(v, func(name string) string {
		return vals[normalize(name)]
	})
}
