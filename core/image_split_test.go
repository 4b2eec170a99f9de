package core

import (
	"bytes"
	"errors"
	"testing"
)

func TestImageSplitterContiguous(t *testing.T) {
	buffer := make([]byte, 64)
	for i := range buffer {
		buffer[i] = byte(i)
	}

	splitter, err := NewImageSplitter(buffer, 16, 0, 16)
	if err != nil {
		t.Fatalf("splitter err %v", err)
	}
	if splitter.GetPartCount() != 4 {
		t.Fatalf("parts=%d want 4", splitter.GetPartCount())
	}
	if splitter.GetImageSize() != 64 {
		t.Fatalf("size=%d want 64", splitter.GetImageSize())
	}

	part, err := splitter.GetPart(1)
	if err != nil {
		t.Fatalf("get part err %v", err)
	}
	if !bytes.Equal(part, buffer[16:32]) {
		t.Fatalf("part 1=%v want %v", part, buffer[16:32])
	}
}

func TestImageSplitterMultiRunParts(t *testing.T) {
	// blockStride < blockLen with no line striding: each part gathers four
	// 4-byte runs and the parts must tile the buffer without overlap.
	buffer := make([]byte, 64)
	for i := range buffer {
		buffer[i] = byte(i)
	}
	splitter, err := NewImageSplitter(buffer, 4, 0, 16)
	if err != nil {
		t.Fatalf("splitter err %v", err)
	}
	if splitter.GetPartCount() != 4 {
		t.Fatalf("parts=%d want 4", splitter.GetPartCount())
	}
	for i := 0; i < 4; i++ {
		part, err := splitter.GetPart(i)
		if err != nil {
			t.Fatalf("get part err %v", err)
		}
		want := buffer[i*16 : (i+1)*16]
		if !bytes.Equal(part, want) {
			t.Fatalf("part %d=%v want %v", i, part, want)
		}
	}
}

func TestImageSplitterTiles(t *testing.T) {
	// 4x4 single-byte pixels split into two vertical 2x4 tiles.
	buffer := []byte{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	}
	splitter, err := NewImageSplitter(buffer, 2, 2, 8)
	if err != nil {
		t.Fatalf("splitter err %v", err)
	}
	if splitter.GetPartCount() != 2 {
		t.Fatalf("parts=%d want 2", splitter.GetPartCount())
	}

	left, _ := splitter.GetPart(0)
	right, _ := splitter.GetPart(1)
	if !bytes.Equal(left, []byte{0, 1, 4, 5, 8, 9, 12, 13}) {
		t.Fatalf("left tile=%v", left)
	}
	if !bytes.Equal(right, []byte{2, 3, 6, 7, 10, 11, 14, 15}) {
		t.Fatalf("right tile=%v", right)
	}
}

func TestImageSplitterCIDLookup(t *testing.T) {
	buffer := make([]byte, 32)
	for i := range buffer {
		buffer[i] = byte(i * 3)
	}
	splitter, err := NewImageSplitter(buffer, 8, 0, 8)
	if err != nil {
		t.Fatalf("splitter err %v", err)
	}

	for i := 0; i < splitter.GetPartCount(); i++ {
		c, err := splitter.GetPartCID(i)
		if err != nil {
			t.Fatalf("cid err %v", err)
		}
		idx, err := splitter.GetPartByCID(c)
		if err != nil {
			t.Fatalf("lookup err %v", err)
		}
		if idx != i {
			t.Fatalf("lookup of part %d returned %d", i, idx)
		}
		part, _ := splitter.GetPart(i)
		want, _ := RawDataCid(part)
		if !c.Equals(want) {
			t.Fatalf("part %d cid mismatch", i)
		}
	}
}

func TestImageSplitterRejectsUneven(t *testing.T) {
	if _, err := NewImageSplitter(make([]byte, 10), 4, 0, 4); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err %v want ErrInvalidArgument", err)
	}
	if _, err := NewImageSplitter(make([]byte, 16), 3, 0, 4); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err %v want ErrInvalidArgument", err)
	}
}
