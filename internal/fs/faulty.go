package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnOpen     bool
	FailOnSync     bool
	FailOnClose    bool
	FailOnRename   bool // Matched against the rename target.
	FailOnRemove   bool
	// Times limits how often the fault fires. 0 means always.
	Times int
	Err   error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]*rule // Filename pattern -> Fault
	Default Fault            // Fallback

	written int64
	crashed bool
}

type rule struct {
	Fault
	fired int
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:      fs,
		rules:   make(map[string]*rule),
		Default: Fault{FailAfterBytes: -1},
	}
}

// Written returns the total bytes written through the wrapper.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// AddRule adds a fault injection rule for a specific file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &rule{Fault: fault}
}

// ClearRules removes every rule and resets the crashed state.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*rule)
	f.crashed = false
}

// Crash makes every subsequent mutating operation fail until ClearRules.
// It simulates a process that stopped mid-operation.
func (f *FaultyFS) Crash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashed = true
}

// match returns the fault for name, consuming one firing when pick reports
// that the rule applies.
func (f *FaultyFS) match(name string, pick func(Fault) bool) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crashed {
		return Fault{Err: ErrInjected}, true
	}
	for pattern, r := range f.rules {
		if !strings.Contains(name, pattern) || !pick(r.Fault) {
			continue
		}
		if r.Times > 0 && r.fired >= r.Times {
			continue
		}
		r.fired++
		return r.Fault, true
	}
	return Fault{}, false
}

func (f *FaultyFS) ruleFor(name string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	fault := f.Default
	for pattern, r := range f.rules {
		if strings.Contains(name, pattern) {
			fault = r.Fault
		}
	}
	return fault
}

func faultErr(fault Fault) error {
	if fault.Err != nil {
		return fault.Err
	}
	return ErrInjected
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.match(name, func(x Fault) bool { return x.FailOnOpen }); ok {
		return nil, faultErr(fault)
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, name: name, fs: f, fault: f.ruleFor(name)}, nil
}

func (f *FaultyFS) Remove(name string) error {
	if fault, ok := f.match(name, func(x Fault) bool { return x.FailOnRemove }); ok {
		return faultErr(fault)
	}
	return f.FS.Remove(name)
}

func (f *FaultyFS) RemoveAll(path string) error {
	if fault, ok := f.match(path, func(x Fault) bool { return x.FailOnRemove }); ok {
		return faultErr(fault)
	}
	return f.FS.RemoveAll(path)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(newpath, func(x Fault) bool { return x.FailOnRename }); ok {
		return faultErr(fault)
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	name    string
	fs      *FaultyFS
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (n int, err error) {
	ff.fs.mu.Lock()
	crashed := ff.fs.crashed
	ff.fs.mu.Unlock()
	if crashed {
		return 0, ErrInjected
	}
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
		// Write the allowed prefix so the file is torn, like a real crash.
		allowed := ff.fault.FailAfterBytes - ff.written
		if allowed > 0 {
			n, _ = ff.File.Write(p[:allowed])
			ff.written += int64(n)
		}
		return n, faultErr(ff.fault)
	}

	n, err = ff.File.Write(p)
	if n > 0 {
		ff.written += int64(n)
		ff.fs.mu.Lock()
		ff.fs.written += int64(n)
		ff.fs.mu.Unlock()
	}
	return n, err
}

func (ff *faultyFile) Sync() error {
	if fault, ok := ff.fs.match(ff.name, func(x Fault) bool { return x.FailOnSync }); ok {
		return faultErr(fault)
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if fault, ok := ff.fs.match(ff.name, func(x Fault) bool { return x.FailOnClose }); ok {
		_ = ff.File.Close()
		return faultErr(fault)
	}
	return ff.File.Close()
}
