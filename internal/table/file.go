/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package table

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/ferrum/framework/config"
	"github.com/foxcpp/ferrum/framework/hooks"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
)

const FileModName = "table.file"

// reloadInterval is how often the backing file is checked for changes.
// SIGUSR2 forces an immediate re-check.
var reloadInterval = 15 * time.Second

// File is the table backed by a text file in the aliases-like format:
//
//	key: value1, value2
//	# comment
//
// The file is polled for modification and reloaded transparently.
type File struct {
	instName string
	file     string

	// The map itself is never mutated in place, reload swaps the whole
	// value. Lookups thus only need the lock for the pointer read.
	m      map[string][]string
	mLck   sync.RWMutex
	mStamp time.Time

	stopReloader chan struct{}
	forceReload  chan struct{}

	log log.Logger
}

func NewFile(_, instName string, _, inlineArgs []string) (module.Module, error) {
	f := &File{
		instName:     instName,
		m:            make(map[string][]string),
		stopReloader: make(chan struct{}),
		forceReload:  make(chan struct{}),
		log:          log.Logger{Name: FileModName},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		f.file = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: cannot use multiple files with single %s, use %s multiple times to do so", FileModName, FileModName, FileModName)
	}

	return f, nil
}

func (f *File) Name() string {
	return FileModName
}

func (f *File) InstanceName() string {
	return f.instName
}

func (f *File) Init(cfg *config.Map) error {
	var file string
	cfg.Bool("debug", true, false, &f.log.Debug)
	cfg.String("file", false, false, "", &file)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch {
	case file == "":
	case f.file != "":
		return fmt.Errorf("%s: file path specified both in directive and in argument, do it once", FileModName)
	default:
		f.file = file
	}

	if err := parseFile(f.file, f.m); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		f.log.Printf("ignoring non-existent file: %s", f.file)
	}

	go f.reloader()
	hooks.AddHook(hooks.EventReload, func() {
		f.forceReload <- struct{}{}
	})

	return nil
}

func (f *File) Close() error {
	f.stopReloader <- struct{}{}
	<-f.stopReloader
	return nil
}

func (f *File) reloader() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during table reload: %v\n%s", err, stack)
		}
	}()

	t := time.NewTicker(reloadInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			f.reload()
		case <-f.forceReload:
			f.reload()
		case <-f.stopReloader:
			f.stopReloader <- struct{}{}
			return
		}
	}
}

func (f *File) reload() {
	info, err := os.Stat(f.file)
	if err != nil {
		if os.IsNotExist(err) {
			// The file went away - so does the mapping.
			f.swap(map[string][]string{}, time.Time{})
			return
		}
		f.log.Error("os stat", err)
		return
	}
	if info.ModTime().Before(f.mStamp) || time.Since(info.ModTime()) < reloadInterval/2 {
		// Either already loaded or so recent that the writer may still
		// be in the middle of an update.
		return
	}

	f.log.Debugf("reloading")

	newMap := make(map[string][]string, len(f.m)+5)
	if err := parseFile(f.file, newMap); err != nil {
		if os.IsNotExist(err) {
			f.log.Printf("ignoring non-existent file: %s", f.file)
			return
		}
		f.log.Println(err)
		return
	}

	// If the file changed while we were reading it, drop the result: the
	// next tick gets a consistent snapshot.
	info2, err := os.Stat(f.file)
	if err != nil {
		f.log.Println(err)
		return
	}
	if !info2.ModTime().Equal(info.ModTime()) {
		return
	}

	f.swap(newMap, info.ModTime())
}

func (f *File) swap(m map[string][]string, stamp time.Time) {
	f.mLck.Lock()
	f.m = m
	f.mStamp = stamp
	f.mLck.Unlock()
}

func parseFile(path string, out map[string][]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if strings.HasPrefix(scanner.Text(), "#") {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		key, values, found := strings.Cut(text, ":")
		if !found {
			values = ""
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("%s:%d: empty address before colon", path, line)
		}

		for _, value := range strings.Split(values, ",") {
			out[key] = append(out[key], strings.TrimSpace(value))
		}
	}
	return scanner.Err()
}

func (f *File) snapshot() map[string][]string {
	f.mLck.RLock()
	defer f.mLck.RUnlock()
	return f.m
}

func (f *File) Lookup(_ context.Context, key string) (string, bool, error) {
	vals := f.snapshot()[key]
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func (f *File) LookupMulti(_ context.Context, key string) ([]string, error) {
	return f.snapshot()[key], nil
}

func init() {
	module.Register(FileModName, NewFile)
}
