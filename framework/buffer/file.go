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

package buffer

import (
	"fmt"
	"io"
	"os"
)

// FileBuffer implements the Buffer interface using a file on disk.
type FileBuffer struct {
	Path string

	// LenHint is the size of the stored blob, if known. It saves the
	// os.Stat round-trip in Len.
	LenHint int
}

func (fb FileBuffer) Open() (io.ReadCloser, error) {
	return os.Open(fb.Path)
}

func (fb FileBuffer) Len() int {
	if fb.LenHint != 0 {
		return fb.LenHint
	}

	info, err := os.Stat(fb.Path)
	if err != nil {
		// Any subsequent access to the file will probably fail too, so
		// there is no meaningful value to return.
		return 0
	}
	return int(info.Size())
}

func (fb FileBuffer) Remove() error {
	return os.Remove(fb.Path)
}

// BufferInFile spools the contents of r into a randomly-named file
// inside dir and returns the FileBuffer for it.
func BufferInFile(r io.Reader, dir string) (Buffer, error) {
	f, err := os.CreateTemp(dir, "buffer-*")
	if err != nil {
		return nil, fmt.Errorf("buffer: failed to create file: %v", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		name := f.Name()
		f.Close()
		os.Remove(name)
		return nil, fmt.Errorf("buffer: failed to write file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("buffer: failed to close file: %v", err)
	}

	return FileBuffer{Path: f.Name(), LenHint: int(size)}, nil
}
