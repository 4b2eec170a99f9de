package core

// core/image_split.go
//
// Stride-based splitting of a task input buffer into fixed-length parts.
// Each part gathers blockStride-byte runs that sit blockLineStride bytes
// apart in the source, so a rectangular tile of a row-major image lands in
// one contiguous part. Every part gets a CID for content addressing.

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// ImageSplitter slices an input buffer into parts addressable by CID.
type ImageSplitter struct {
	blockStride     uint64
	blockLineStride uint64
	blockLen        uint64
	imageSize       uint64
	parts           [][]byte
	cids            []cid.Cid
}

// NewImageSplitter splits buffer into parts of blockLen bytes. The buffer
// length must divide evenly into parts.
func NewImageSplitter(buffer []byte, blockStride, blockLineStride, blockLen uint64) (*ImageSplitter, error) {
	if blockStride == 0 || blockLen == 0 || blockLen%blockStride != 0 {
		return nil, fmt.Errorf("image splitter: stride %d does not tile block length %d: %w", blockStride, blockLen, ErrInvalidArgument)
	}
	imageSize := uint64(len(buffer))
	if imageSize == 0 || imageSize%blockLen != 0 {
		return nil, fmt.Errorf("image splitter: size %d not divisible by block length %d: %w", imageSize, blockLen, ErrInvalidArgument)
	}

	s := &ImageSplitter{
		blockStride:     blockStride,
		blockLineStride: blockLineStride,
		blockLen:        blockLen,
		imageSize:       imageSize,
	}
	if err := s.split(buffer); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ImageSplitter) split(buffer []byte) error {
	runsPerPart := s.blockLen / s.blockStride
	lineSpan := s.blockStride + s.blockLineStride
	// Parts per source row; 1 when no line striding applies.
	partsPerRow := lineSpan / s.blockStride

	for i := uint64(0); i < s.imageSize; i += s.blockLen {
		part := make([]byte, 0, s.blockLen)
		rowsDone := i / (s.blockLen * partsPerRow)
		offset := (i / s.blockLen) * s.blockStride
		offset -= lineSpan * rowsDone
		offset += rowsDone * s.blockLen * partsPerRow

		for run := uint64(0); run < runsPerPart; run++ {
			end := offset + s.blockStride
			if end > s.imageSize {
				return fmt.Errorf("image splitter: run [%d:%d) out of range %d: %w", offset, end, s.imageSize, ErrInvalidArgument)
			}
			part = append(part, buffer[offset:end]...)
			offset += lineSpan
		}

		c, err := RawDataCid(part)
		if err != nil {
			return err
		}
		s.parts = append(s.parts, part)
		s.cids = append(s.cids, c)
	}
	return nil
}

// GetPart returns the bytes of part i.
func (s *ImageSplitter) GetPart(i int) ([]byte, error) {
	if i < 0 || i >= len(s.parts) {
		return nil, fmt.Errorf("part %d of %d: %w", i, len(s.parts), ErrNotFound)
	}
	return s.parts[i], nil
}

// GetPartCID returns the CID of part i.
func (s *ImageSplitter) GetPartCID(i int) (cid.Cid, error) {
	if i < 0 || i >= len(s.cids) {
		return cid.Undef, fmt.Errorf("part %d of %d: %w", i, len(s.cids), ErrNotFound)
	}
	return s.cids[i], nil
}

// GetPartByCID returns the index of the part addressed by c, or ErrNotFound.
func (s *ImageSplitter) GetPartByCID(c cid.Cid) (int, error) {
	for i, partCid := range s.cids {
		if partCid.Equals(c) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("part %s: %w", c, ErrNotFound)
}

// GetPartCount returns the number of parts.
func (s *ImageSplitter) GetPartCount() int { return len(s.parts) }

// GetImageSize returns the source buffer length.
func (s *ImageSplitter) GetImageSize() uint64 { return s.imageSize }
