// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestStorageDescriptorPaths(t *testing.T) {
	d := StorageDescriptor{Proto: "s3", Path: "a.bin", Prefix: "p"}

	if got, want := d.Relative(), filepath.Join("p", "a.bin"); got != want {
		t.Errorf("Relative() = %q, want %q", got, want)
	}

	abs := d.Absolute("/data")
	if want := filepath.Join("/data", "p", "a.bin"); abs != want {
		t.Errorf("Absolute() = %q, want %q", abs, want)
	}

	part := d.PartPath("/data", 2, "/temp")
	if !strings.HasPrefix(part, "/temp") {
		t.Errorf("PartPath() = %q, want prefix /temp", part)
	}
	if !strings.HasPrefix(filepath.Base(part), "2__") {
		t.Errorf("PartPath() = %q, want idx prefix 2__", part)
	}

	// Stable across calls for the same (absolute, idx).
	if part2 := d.PartPath("/data", 2, "/temp"); part2 != part {
		t.Errorf("PartPath() not stable: %q != %q", part, part2)
	}
}

func TestFileJobTotalParts(t *testing.T) {
	cases := []struct {
		name    string
		job     FileJob
		want    int64
	}{
		{"zero size", FileJob{RequireSize: 0, ChunkSize: 5 * 1024 * 1024}, 0},
		{"smaller than chunk", FileJob{RequireSize: 1024, ChunkSize: 5 * 1024 * 1024}, 1},
		{"exact multiple", FileJob{RequireSize: 10 * 1024 * 1024, ChunkSize: 5 * 1024 * 1024}, 2},
		{"multiple plus remainder", FileJob{RequireSize: 12_000_000, ChunkSize: 5 * 1024 * 1024}, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.job.TotalParts(); got != c.want {
				t.Errorf("TotalParts() = %d, want %d", got, c.want)
			}
		})
	}
}

func TestPlanRangesFinalRangeLength(t *testing.T) {
	job := FileJob{Sign: "x", RequireSize: 12_000_000, ChunkSize: 5 * 1024 * 1024}
	ranges := planRanges(job)

	if len(ranges) != 3 {
		t.Fatalf("len(ranges) = %d, want 3", len(ranges))
	}
	for i, r := range ranges {
		if i < len(ranges)-1 {
			if r.Length() != job.ChunkSize {
				t.Errorf("range %d length = %d, want chunk size %d", i, r.Length(), job.ChunkSize)
			}
		} else {
			if r.EndPos != job.RequireSize {
				t.Errorf("final range end = %d, want %d", r.EndPos, job.RequireSize)
			}
			if r.Length() == 0 {
				t.Errorf("final range length is zero")
			}
		}
	}

	if got, want := ranges[0].HTTPRangeHeader(), "bytes=0-5242879"; got != want {
		t.Errorf("HTTPRangeHeader() = %q, want %q", got, want)
	}
}

func TestPlanRangesExactMultipleFinalRangeNotZero(t *testing.T) {
	chunk := int64(5 * 1024 * 1024)
	job := FileJob{Sign: "x", RequireSize: 2 * chunk, ChunkSize: chunk}
	ranges := planRanges(job)

	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}
	last := ranges[len(ranges)-1]
	if last.Length() != chunk {
		t.Errorf("final range length = %d, want %d (not zero)", last.Length(), chunk)
	}
}

func TestPlanRangesZeroSize(t *testing.T) {
	job := FileJob{Sign: "x", RequireSize: 0, ChunkSize: 5 * 1024 * 1024}
	if ranges := planRanges(job); ranges != nil {
		t.Errorf("planRanges() = %v, want nil for zero-size job", ranges)
	}
}
