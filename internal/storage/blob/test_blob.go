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

// Package blob contains the conformance test for the module.BlobStore
// interface implementations.
package blob

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/ferrum/framework/module"
)

// TestStore runs the conformance test against the store created by the
// factory function. The store is assumed to be empty; cleanup should remove
// any objects left by the test.
func TestStore(t *testing.T, factory func() module.BlobStore, cleanup func(module.BlobStore)) {
	t.Run("create-open-read", func(t *testing.T) {
		b := factory()
		defer cleanup(b)

		blob, err := b.Create(context.Background(), "test-key", int64(len("hello")))
		if err != nil {
			t.Fatal("Create:", err)
		}
		if _, err := blob.Write([]byte("hello")); err != nil {
			t.Fatal("Write:", err)
		}
		if err := blob.Sync(); err != nil {
			t.Fatal("Sync:", err)
		}
		if err := blob.Close(); err != nil {
			t.Fatal("Close:", err)
		}

		r, err := b.Open(context.Background(), "test-key")
		if err != nil {
			t.Fatal("Open:", err)
		}
		defer r.Close()
		contents, err := io.ReadAll(r)
		if err != nil {
			t.Fatal("ReadAll:", err)
		}
		if string(contents) != "hello" {
			t.Fatalf("wrong blob contents: %q", contents)
		}
	})

	t.Run("open non-existent", func(t *testing.T) {
		b := factory()
		defer cleanup(b)

		_, err := b.Open(context.Background(), "no-such-key")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Fatalf("expected ErrNoSuchBlob, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		b := factory()
		defer cleanup(b)

		blob, err := b.Create(context.Background(), "delete-me", module.UnknownBlobSize)
		if err != nil {
			t.Fatal("Create:", err)
		}
		if _, err := blob.Write([]byte("contents")); err != nil {
			t.Fatal("Write:", err)
		}
		if err := blob.Sync(); err != nil {
			t.Fatal("Sync:", err)
		}
		if err := blob.Close(); err != nil {
			t.Fatal("Close:", err)
		}

		if err := b.Delete(context.Background(), []string{"delete-me"}); err != nil {
			t.Fatal("Delete:", err)
		}
		if _, err := b.Open(context.Background(), "delete-me"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Fatalf("expected ErrNoSuchBlob after delete, got %v", err)
		}

		// Deleting missing keys is not an error.
		if err := b.Delete(context.Background(), []string{"delete-me"}); err != nil {
			t.Fatal("Delete (missing):", err)
		}
	})
}
