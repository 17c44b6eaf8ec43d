// Package remotetest provides an in-memory fake device for exercising the
// orchestration engine without hardware. The fake understands the small
// command vocabulary the engine actually issues (uname, test, find,
// sha256sum, stat, chmod, readlink, ln, cat, rm, mkdir, df) and keeps a
// virtual filesystem with permission bits and symlinks, so tests can assert
// on device state the same way the verification stage does.
package remotetest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyndonlyu/freemark/internal/remote"
)

// FakeDevice implements remote.Connection against an in-memory filesystem.
type FakeDevice struct {
	mu sync.Mutex

	// Arch is what `uname -m` reports.
	Arch string

	// FS maps absolute file paths to contents. Directories are implicit.
	FS map[string][]byte

	// Modes maps file paths to octal permission strings. Files without an
	// entry report "644".
	Modes map[string]string

	// Links maps symlink paths to their targets.
	Links map[string]string

	// Scripts maps exact command strings to canned results, consulted
	// before the built-in command emulation.
	Scripts map[string]remote.ExecResult

	// Executed records every command in order.
	Executed []string

	// Pushed records every remote path written through PushFile.
	Pushed []string

	failures map[string][]injectedFailure
	closed   bool
}

// injectedFailure is one queued transport failure, optionally scoped to
// subjects (command strings or remote paths) with a given prefix.
type injectedFailure struct {
	err    *remote.ConnError
	prefix string
}

// New returns a fake device reporting the given architecture.
func New(arch string) *FakeDevice {
	return &FakeDevice{
		Arch:     arch,
		FS:       make(map[string][]byte),
		Modes:    make(map[string]string),
		Links:    make(map[string]string),
		Scripts:  make(map[string]remote.ExecResult),
		failures: make(map[string][]injectedFailure),
	}
}

// SetFile places a file on the fake device.
func (f *FakeDevice) SetFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FS[path] = content
}

// SetMode sets a file's permission bits (octal string, e.g. "755").
func (f *FakeDevice) SetMode(path, mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Modes[path] = mode
}

// Mode returns a file's permission bits, "644" when never set.
func (f *FakeDevice) Mode(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode, ok := f.Modes[path]; ok {
		return mode
	}
	return "644"
}

// SetLink places a symlink on the fake device.
func (f *FakeDevice) SetLink(path, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links[path] = target
}

// Link returns a symlink's target, empty when the path is not a link.
func (f *FakeDevice) Link(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Links[path]
}

// Script registers a canned result for an exact command string.
func (f *FakeDevice) Script(command string, res remote.ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scripts[command] = res
}

// FailNext queues n transport failures for the given op ("execute", "push",
// "pull") with the given reason. Each matching call consumes one failure.
func (f *FakeDevice) FailNext(op string, reason remote.Reason, n int) {
	f.FailNextOn(op, "", reason, n)
}

// FailNextOn is FailNext scoped to subjects with the given prefix: the
// command string for execute, the remote path for push and pull. An empty
// prefix matches every call.
func (f *FakeDevice) FailNextOn(op, prefix string, reason remote.Reason, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[op] = append(f.failures[op], injectedFailure{
			err: &remote.ConnError{
				Reason: reason,
				Op:     op,
				Err:    fmt.Errorf("injected %s failure", reason),
			},
			prefix: prefix,
		})
	}
}

// CommandCount returns how many commands have been executed.
func (f *FakeDevice) CommandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Executed)
}

// Manifest returns path -> sha256 hex for every file on the device,
// optionally restricted to a path prefix.
func (f *FakeDevice) Manifest(prefix string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for p, data := range f.FS {
		if prefix != "" && !strings.HasPrefix(p, prefix) {
			continue
		}
		sum := sha256.Sum256(data)
		out[p] = hex.EncodeToString(sum[:])
	}
	return out
}

func (f *FakeDevice) takeFailure(op, subject string) *remote.ConnError {
	q := f.failures[op]
	for i, inj := range q {
		if inj.prefix == "" || strings.HasPrefix(subject, inj.prefix) {
			f.failures[op] = append(q[:i:i], q[i+1:]...)
			return inj.err
		}
	}
	return nil
}

// Execute emulates the engine's command vocabulary.
func (f *FakeDevice) Execute(ctx context.Context, command string, timeout time.Duration) (remote.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.ExecResult{}, &remote.ConnError{Reason: remote.Interrupted, Op: "execute", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if ce := f.takeFailure("execute", command); ce != nil {
		return remote.ExecResult{}, ce
	}
	f.Executed = append(f.Executed, command)

	if res, ok := f.Scripts[command]; ok {
		return res, nil
	}
	return f.emulate(command), nil
}

func (f *FakeDevice) emulate(command string) remote.ExecResult {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return remote.ExecResult{}
	}

	switch fields[0] {
	case "true", "mkdir", "systemctl", "sync", "sh":
		return remote.ExecResult{}
	case "uname":
		return remote.ExecResult{Stdout: f.Arch + "\n"}
	case "sha256sum":
		return f.emulateSHA256(fields)
	case "stat":
		return f.emulateStat(fields)
	case "chmod":
		return f.emulateChmod(fields)
	case "readlink":
		return f.emulateReadlink(fields)
	case "ln":
		return f.emulateLn(fields)
	case "test":
		return f.emulateTest(fields)
	case "find":
		return f.emulateFind(fields)
	case "cat":
		return f.emulateCat(fields)
	case "rm":
		return f.emulateRm(fields)
	case "cp":
		return f.emulateCp(fields)
	case "df":
		return remote.ExecResult{Stdout: "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/root 6912000 2048000 4864000 30% /\n"}
	default:
		return remote.ExecResult{ExitCode: 127, Stderr: fmt.Sprintf("sh: %s: not found\n", fields[0])}
	}
}

func (f *FakeDevice) emulateSHA256(fields []string) remote.ExecResult {
	if len(fields) < 2 {
		return remote.ExecResult{ExitCode: 1, Stderr: "sha256sum: missing operand\n"}
	}
	path := unquote(fields[1])
	data, ok := f.FS[path]
	if !ok {
		return remote.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("sha256sum: %s: No such file or directory\n", path)}
	}
	sum := sha256.Sum256(data)
	return remote.ExecResult{Stdout: fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), path)}
}

// emulateStat understands `stat -c %a <path>`.
func (f *FakeDevice) emulateStat(fields []string) remote.ExecResult {
	if len(fields) < 2 {
		return remote.ExecResult{ExitCode: 1, Stderr: "stat: missing operand\n"}
	}
	path := unquote(fields[len(fields)-1])
	if _, ok := f.FS[path]; !ok {
		return remote.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("stat: %s: No such file or directory\n", path)}
	}
	mode, ok := f.Modes[path]
	if !ok {
		mode = "644"
	}
	return remote.ExecResult{Stdout: mode + "\n"}
}

func (f *FakeDevice) emulateChmod(fields []string) remote.ExecResult {
	if len(fields) < 3 {
		return remote.ExecResult{}
	}
	mode := fields[1]
	for _, arg := range fields[2:] {
		path := unquote(arg)
		if _, ok := f.FS[path]; ok {
			f.Modes[path] = mode
		}
	}
	return remote.ExecResult{}
}

func (f *FakeDevice) emulateReadlink(fields []string) remote.ExecResult {
	if len(fields) < 2 {
		return remote.ExecResult{ExitCode: 1}
	}
	path := unquote(fields[len(fields)-1])
	target, ok := f.Links[path]
	if !ok {
		return remote.ExecResult{ExitCode: 1}
	}
	return remote.ExecResult{Stdout: target + "\n"}
}

// emulateLn understands `ln -sfn <target> <path>`.
func (f *FakeDevice) emulateLn(fields []string) remote.ExecResult {
	var args []string
	for _, arg := range fields[1:] {
		if !strings.HasPrefix(arg, "-") {
			args = append(args, unquote(arg))
		}
	}
	if len(args) != 2 {
		return remote.ExecResult{ExitCode: 1, Stderr: "ln: unsupported invocation\n"}
	}
	target, path := args[0], args[1]
	delete(f.FS, path)
	f.Links[path] = target
	return remote.ExecResult{}
}

func (f *FakeDevice) emulateTest(fields []string) remote.ExecResult {
	if len(fields) < 3 {
		return remote.ExecResult{ExitCode: 2}
	}
	flag, path := fields[1], unquote(fields[2])
	_, isFile := f.FS[path]
	_, isLink := f.Links[path]
	isDir := false
	for p := range f.FS {
		if strings.HasPrefix(p, path+"/") {
			isDir = true
			break
		}
	}
	for p := range f.Links {
		if strings.HasPrefix(p, path+"/") {
			isDir = true
			break
		}
	}
	ok := false
	switch flag {
	case "-e":
		ok = isFile || isDir || isLink
	case "-f":
		ok = isFile
	case "-d":
		ok = isDir
	case "-h", "-L":
		ok = isLink
	}
	if ok {
		return remote.ExecResult{}
	}
	return remote.ExecResult{ExitCode: 1}
}

// emulateFind understands `find <root> -type f|l` and ignores other
// predicates. A missing root fails; an existing root with no matches of the
// requested type succeeds with empty output, as real find does.
func (f *FakeDevice) emulateFind(fields []string) remote.ExecResult {
	if len(fields) < 2 {
		return remote.ExecResult{ExitCode: 1}
	}
	root := unquote(fields[1])
	typ := "f"
	for i, arg := range fields {
		if arg == "-type" && i+1 < len(fields) {
			typ = fields[i+1]
		}
	}

	under := func(p string) bool { return p == root || strings.HasPrefix(p, root+"/") }
	exists := false
	for p := range f.FS {
		if under(p) {
			exists = true
			break
		}
	}
	for p := range f.Links {
		if under(p) {
			exists = true
			break
		}
	}
	if !exists {
		return remote.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("find: %s: No such file or directory\n", root)}
	}

	var matches []string
	if typ == "l" {
		for p := range f.Links {
			if under(p) {
				matches = append(matches, p)
			}
		}
	} else {
		for p := range f.FS {
			if under(p) {
				matches = append(matches, p)
			}
		}
	}
	if len(matches) == 0 {
		return remote.ExecResult{}
	}
	sort.Strings(matches)
	return remote.ExecResult{Stdout: strings.Join(matches, "\n") + "\n"}
}

func (f *FakeDevice) emulateCat(fields []string) remote.ExecResult {
	if len(fields) < 2 {
		return remote.ExecResult{ExitCode: 1}
	}
	path := unquote(fields[1])
	data, ok := f.FS[path]
	if !ok {
		return remote.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", path)}
	}
	return remote.ExecResult{Stdout: string(data)}
}

func (f *FakeDevice) emulateRm(fields []string) remote.ExecResult {
	for _, arg := range fields[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		target := unquote(arg)
		delete(f.FS, target)
		delete(f.Links, target)
		delete(f.Modes, target)
		for p := range f.FS {
			if strings.HasPrefix(p, target+"/") {
				delete(f.FS, p)
				delete(f.Modes, p)
			}
		}
		for p := range f.Links {
			if strings.HasPrefix(p, target+"/") {
				delete(f.Links, p)
			}
		}
	}
	return remote.ExecResult{}
}

func (f *FakeDevice) emulateCp(fields []string) remote.ExecResult {
	var args []string
	for _, arg := range fields[1:] {
		if !strings.HasPrefix(arg, "-") {
			args = append(args, unquote(arg))
		}
	}
	if len(args) != 2 {
		return remote.ExecResult{ExitCode: 1, Stderr: "cp: unsupported invocation\n"}
	}
	src, dst := args[0], args[1]
	if data, ok := f.FS[src]; ok {
		f.FS[dst] = append([]byte(nil), data...)
		return remote.ExecResult{}
	}
	copied := false
	for p, data := range f.FS {
		if strings.HasPrefix(p, src+"/") {
			f.FS[dst+strings.TrimPrefix(p, src)] = append([]byte(nil), data...)
			copied = true
		}
	}
	if !copied {
		return remote.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("cp: %s: No such file or directory\n", src)}
	}
	return remote.ExecResult{}
}

// PushFile stores data in the virtual filesystem.
func (f *FakeDevice) PushFile(ctx context.Context, data []byte, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &remote.ConnError{Reason: remote.Interrupted, Op: "push", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ce := f.takeFailure("push", remotePath); ce != nil {
		return ce
	}
	f.FS[remotePath] = append([]byte(nil), data...)
	delete(f.Links, remotePath)
	f.Pushed = append(f.Pushed, remotePath)
	return nil
}

// PullFile reads from the virtual filesystem.
func (f *FakeDevice) PullFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.ConnError{Reason: remote.Interrupted, Op: "pull", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ce := f.takeFailure("pull", remotePath); ce != nil {
		return nil, ce
	}
	data, ok := f.FS[remotePath]
	if !ok {
		return nil, &remote.ConnError{Reason: remote.Interrupted, Op: "pull", Err: fmt.Errorf("%s: no such file", remotePath)}
	}
	return append([]byte(nil), data...), nil
}

// Alive reports true until Close is called.
func (f *FakeDevice) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}
