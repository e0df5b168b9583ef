// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	stdcmp "cmp"
	"encoding/binary"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
)

// The MANIFEST is a sequence of records in the log format of package record.
// Each record holds one encoded VersionEdit: a sequence of (tag, field)
// pairs, where tags and integers are uvarints and byte strings (comparer
// names and encoded internal keys) are uvarint-length prefixed. The first
// record of every MANIFEST is a snapshot of the full state at the time the
// MANIFEST was created.

var errCorruptManifest = base.CorruptionErrorf("lsmdb: corrupt manifest")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the versionEdit disk format.
// Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// DeletedFileEntry holds the state for a file deletion from a level. The file
// itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// CompactPointerEntry records the key at which the next size-triggered
// compaction of Level should start.
type CompactPointerEntry struct {
	Level int
	Key   base.InternalKey
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set in
	// the first VersionEdit in a manifest (either when the DB is created, or
	// when a new manifest is created) and is used to verify that the comparer
	// specified at Open matches the comparer that was previously used.
	ComparerName string

	// LogNum is the smallest WAL file number holding mutations that have not
	// been flushed to a table. Zero means unset unless ComparerName is set.
	LogNum base.FileNum

	// PrevLogNum is retained for compatibility with older manifests. Logs
	// with this number are replayed on recovery.
	PrevLogNum base.FileNum

	// NextFileNum is the next file number. A single counter is used to assign
	// file numbers for the WAL, MANIFEST and table files.
	NextFileNum base.FileNum

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned in flushed WALs.
	LastSeqNum base.SeqNum

	CompactPointers []CompactPointerEntry

	// A file num may be present in both deleted files and new files when it
	// is moved from a lower level to a higher level (when the compaction
	// found that there was no overlapping file at the higher level).
	DeletedFiles map[DeletedFileEntry]bool
	NewFiles     []NewFileEntry
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errCorruptManifest
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.LogNum = n

		case tagPrevLogNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.PrevLogNum = n

		case tagNextFileNumber:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.NextFileNum = n

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readKey()
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{Level: level, Key: key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			if v.DeletedFiles == nil {
				v.DeletedFiles = make(map[DeletedFileEntry]bool)
			}
			v.DeletedFiles[DeletedFileEntry{level, fileNum}] = true

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readKey()
			if err != nil {
				return err
			}
			largest, err := d.readKey()
			if err != nil {
				return err
			}
			m := &FileMetadata{
				FileNum:  fileNum,
				Size:     size,
				Smallest: smallest,
				Largest:  largest,
			}
			// Sequence numbers are not persisted in this format; bound them
			// by the sequence numbers of the file's boundary keys.
			m.SmallestSeqNum = min(smallest.SeqNum(), largest.SeqNum())
			m.LargestSeqNum = max(smallest.SeqNum(), largest.SeqNum())
			v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: m})

		default:
			return base.CorruptionErrorf("lsmdb: corrupt manifest: unknown tag %d", errors.Safe(tag))
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	// A snapshot edit (one carrying the comparer name) always records the log
	// number and last sequence number, even when they are zero.
	if v.LogNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.PrevLogNum != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.LastSeqNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	// Deleted files are written in a deterministic order.
	deleted := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for x := range v.DeletedFiles {
		deleted = append(deleted, x)
	}
	slices.SortFunc(deleted, func(a, b DeletedFileEntry) int {
		if a.Level != b.Level {
			return stdcmp.Compare(a.Level, b.Level)
		}
		return stdcmp.Compare(a.FileNum, b.FileNum)
	})
	for _, x := range deleted {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return errors.WithStack(err)
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readKey() (base.InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return base.InternalKey{}, err
	}
	if len(b) < base.InternalTrailerLen {
		return base.InternalKey{}, errCorruptManifest
	}
	return base.DecodeInternalKey(b), nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum() (base.FileNum, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	return base.FileNum(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.Append(nil))
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// BulkVersionEdit summarizes the files added and deleted from a set of version
// edits.
type BulkVersionEdit struct {
	Added   [NumLevels][]*FileMetadata
	Deleted [NumLevels]map[base.FileNum]bool
}

// Accumulate adds the file addition and deletions in the specified version
// edit to the bulk edit's internal state.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) {
	for df := range ve.DeletedFiles {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewFiles {
		// A file deleted by an earlier edit at this level may be re-added by a
		// later one, for example a table moved down and back during replay.
		if dmap := b.Deleted[nf.Level]; dmap != nil {
			delete(dmap, nf.Meta.FileNum)
		}
		b.Added[nf.Level] = append(b.Added[nf.Level], nf.Meta)
	}
}

// Apply applies the delta b to the current version to produce a new version.
// The new version is consistent with respect to the comparer cmp.
//
// curr may be nil, which is equivalent to a pointer to a zero version. Every
// file in the new version gains a reference.
func (b *BulkVersionEdit) Apply(curr *Version, cmp base.Compare, format base.FormatKey) (*Version, error) {
	v := new(Version)
	for level := range v.Levels {
		var currFiles []*FileMetadata
		if curr != nil {
			currFiles = curr.Levels[level]
		}
		addedFiles := b.Added[level]
		deletedMap := b.Deleted[level]
		if len(addedFiles) == 0 && len(deletedMap) == 0 {
			// There are no edits on this level.
			v.Levels[level] = currFiles
			for _, f := range currFiles {
				f.Ref()
			}
			continue
		}

		files := make([]*FileMetadata, 0, len(currFiles)+len(addedFiles))
		for _, f := range currFiles {
			if !deletedMap[f.FileNum] {
				files = append(files, f)
			}
		}
		for _, f := range addedFiles {
			if deletedMap[f.FileNum] {
				continue
			}
			f.InitAllowedSeeks()
			files = append(files, f)
		}
		if level == 0 {
			SortByFileNum(files)
		} else {
			SortBySmallest(files, cmp)
		}
		for _, f := range files {
			f.Ref()
		}
		v.Levels[level] = files
	}
	if err := v.CheckOrdering(cmp, format); err != nil {
		// Release the references taken above.
		v.unrefFiles()
		return nil, errors.Wrap(err, "lsmdb: internal error")
	}
	return v, nil
}
