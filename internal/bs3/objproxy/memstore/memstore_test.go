// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memstore

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestUploadDownload(t *testing.T) {
	s := New()

	buf := []byte("0123456789")
	if err := s.Upload(3, buf); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// The store keeps its own copy.
	buf[0] = 'x'

	got := make([]byte, 4)
	if err := s.DownloadAt(3, got, 0); err != nil {
		t.Fatalf("DownloadAt() error = %v", err)
	}
	if string(got) != "0123" {
		t.Errorf("DownloadAt() = %q, want 0123", got)
	}

	if err := s.DownloadAt(3, got, 6); err != nil {
		t.Fatalf("DownloadAt() error = %v", err)
	}
	if string(got) != "6789" {
		t.Errorf("DownloadAt() = %q, want 6789", got)
	}

	size, err := s.GetObjectSize(3)
	if err != nil || size != 10 {
		t.Errorf("GetObjectSize() = %d, %v, want 10, nil", size, err)
	}
}

func TestErrors(t *testing.T) {
	s := New()
	s.Upload(0, make([]byte, 8))

	if err := s.DownloadAt(1, make([]byte, 1), 0); !errors.Is(err, unix.ENOENT) {
		t.Errorf("DownloadAt() missing = %v, want ENOENT", err)
	}
	if err := s.DownloadAt(0, make([]byte, 4), 6); !errors.Is(err, unix.EINVAL) {
		t.Errorf("DownloadAt() beyond end = %v, want EINVAL", err)
	}
	if _, err := s.GetObjectSize(1); !errors.Is(err, unix.ENOENT) {
		t.Errorf("GetObjectSize() missing = %v, want ENOENT", err)
	}
}

func TestDeleteKeyAndSuccessors(t *testing.T) {
	s := New()
	for _, k := range []int64{-1, 0, 1, 2, 3} {
		s.Upload(k, []byte{1})
	}

	if err := s.DeleteKeyAndSuccessors(2); err != nil {
		t.Fatalf("DeleteKeyAndSuccessors() error = %v", err)
	}

	if got := s.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	for _, k := range []int64{-1, 0, 1} {
		if _, err := s.GetObjectSize(k); err != nil {
			t.Errorf("object %d deleted", k)
		}
	}
}
