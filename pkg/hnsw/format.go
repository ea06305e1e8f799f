package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
)

// On-disk graph format:
//
//	magic[8] | version u32 | dimension u32 | count u32 | entry u32 |
//	maxLevel i32 | bodyCRC u32 | reserved[32]  (64-byte header)
//	per node: key u32 | level u32 | vector (dimension × f32) |
//	          per layer 0..level: linkCount u32 | links (u32 each)
//
// All integers little-endian. bodyCRC covers every byte after the header.

var indexMagic = [8]byte{'S', 'Y', 'N', 'H', 'N', 'S', 'W', '1'}

const (
	fileVersion     = 1
	fileHeaderSize  = 64
	crcHeaderOffset = 28
)

// Save writes the graph to path, overwriting any existing file in place.
// Neither Save nor the container writes through a temporary file.
func (x *Index) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer f.Close()

	body := make([]byte, 0, len(x.nodes)*(8+x.cfg.Dimension*4))
	var scratch [4]byte
	appendU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:], v)
		body = append(body, scratch[:]...)
	}

	for key, n := range x.nodes {
		appendU32(key)
		appendU32(uint32(n.level))
		for _, v := range n.vector {
			appendU32(math.Float32bits(v))
		}
		for l := 0; l <= n.level; l++ {
			appendU32(uint32(len(n.links[l])))
			for _, link := range n.links[l] {
				appendU32(link)
			}
		}
	}

	header := make([]byte, fileHeaderSize)
	copy(header[0:8], indexMagic[:])
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(x.cfg.Dimension))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(x.nodes)))
	binary.LittleEndian.PutUint32(header[20:24], x.entry)
	binary.LittleEndian.PutUint32(header[24:28], uint32(int32(x.maxLevel)))
	binary.LittleEndian.PutUint32(header[crcHeaderOffset:crcHeaderOffset+4], crc32.ChecksumIEEE(body))

	w := bufio.NewWriter(f)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write index header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write index body: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync index file: %w", err)
	}
	return nil
}

// LoadIndex memory-maps and decodes a persisted graph.
func LoadIndex(path string, cfg Config) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap index file: %w", err)
	}
	defer mapped.Unmap()

	if len(mapped) < fileHeaderSize {
		return nil, fmt.Errorf("index file shorter than header")
	}
	var magic [8]byte
	copy(magic[:], mapped[0:8])
	if magic != indexMagic {
		return nil, fmt.Errorf("bad index magic")
	}
	if v := binary.LittleEndian.Uint32(mapped[8:12]); v != fileVersion {
		return nil, fmt.Errorf("unsupported index version %d", v)
	}
	dimension := int(binary.LittleEndian.Uint32(mapped[12:16]))
	if cfg.Dimension != 0 && cfg.Dimension != dimension {
		return nil, fmt.Errorf("index dimension %d does not match configured %d", dimension, cfg.Dimension)
	}
	cfg.Dimension = dimension

	count := int(binary.LittleEndian.Uint32(mapped[16:20]))
	entry := binary.LittleEndian.Uint32(mapped[20:24])
	maxLevel := int(int32(binary.LittleEndian.Uint32(mapped[24:28])))
	wantCRC := binary.LittleEndian.Uint32(mapped[crcHeaderOffset : crcHeaderOffset+4])

	body := mapped[fileHeaderSize:]
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("index body checksum mismatch")
	}

	x, err := NewIndex(cfg)
	if err != nil {
		return nil, err
	}

	pos := 0
	readU32 := func() (uint32, error) {
		if pos+4 > len(body) {
			return 0, fmt.Errorf("index file truncated at offset %d", pos)
		}
		v := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4
		return v, nil
	}

	for i := 0; i < count; i++ {
		key, err := readU32()
		if err != nil {
			return nil, err
		}
		levelRaw, err := readU32()
		if err != nil {
			return nil, err
		}
		level := int(levelRaw)

		vector := make([]float32, dimension)
		for d := 0; d < dimension; d++ {
			bits, err := readU32()
			if err != nil {
				return nil, err
			}
			vector[d] = math.Float32frombits(bits)
		}

		n := &node{key: key, vector: vector, level: level, links: make([][]uint32, level+1)}
		for l := 0; l <= level; l++ {
			linkCount, err := readU32()
			if err != nil {
				return nil, err
			}
			links := make([]uint32, linkCount)
			for j := range links {
				links[j], err = readU32()
				if err != nil {
					return nil, err
				}
			}
			n.links[l] = links
		}
		x.nodes[key] = n
	}

	if count > 0 {
		x.entry = entry
		x.hasEntry = true
		x.maxLevel = maxLevel
	}
	return x, nil
}
