//go:build windows

/*
 * Copyright (C) 2019 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package journal replays the NTFS change journal to detect tampering with
// the trace-file store (C8): renames and deletions of individual artifacts,
// and of the artifact directory itself.
package journal

import (
	"strings"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/anonymouse64/pftrace/internal/logging"
	"github.com/anonymouse64/pftrace/internal/scanconfig"
)

var log = logging.WithComponent("journal")

const (
	fsctlQueryUSNJournal = 0x000900F4
	fsctlReadUSNJournal  = 0x000900BB

	usnReasonRenameOldName = 0x00001000
	usnReasonRenameNewName = 0x00002000
	usnReasonFileDelete    = 0x00000200

	prefetchDirName = scanconfig.PrefetchDirName
)

// EventKind classifies one journal event (spec.md §4.8).
type EventKind int

const (
	// Renamed is an individual *.pf artifact renamed away.
	Renamed EventKind = iota
	// Deleted is an individual *.pf artifact deleted.
	Deleted
	// PrefetchDirectoryRename is the trace directory itself renamed.
	PrefetchDirectoryRename
	// PrefetchDirectoryDelete is the trace directory itself deleted.
	PrefetchDirectoryDelete
)

// MarshalJSON renders EventKind as its string name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k EventKind) String() string {
	switch k {
	case Renamed:
		return "Renamed"
	case Deleted:
		return "Deleted"
	case PrefetchDirectoryRename:
		return "PrefetchDirectoryRename"
	case PrefetchDirectoryDelete:
		return "PrefetchDirectoryDelete"
	default:
		return "Unknown"
	}
}

// Event is a single correlated change-journal event (spec.md §4.8). NewName
// is populated for Renamed/PrefetchDirectoryRename events with the name
// recorded by the record's paired NEW_NAME reason; it is empty for deletes.
type Event struct {
	Kind      EventKind
	Name      string
	NewName   string
	Time      time.Time
	Reference uint64
}

// queryUSNJournalData mirrors QUERY_USN_JOURNAL_DATA.
type queryUSNJournalData struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

// readUSNJournalData mirrors READ_USN_JOURNAL_DATA.
type readUSNJournalData struct {
	StartUsn          int64
	ReasonMask        uint32
	ReturnOnlyOnClose uint32
	Timeout           uint64
	BytesToWaitFor    uint64
	UsnJournalID      uint64
}

// usnRecordV4 mirrors the fixed-size prefix of USN_RECORD_V2 (the record
// shape returned for a READ_USN_JOURNAL_DATA_V0 request, which is what
// readUSNJournalData is); FileName follows at FileNameOffset and is parsed
// separately.
type usnRecordV4 struct {
	RecordLength              uint32
	MajorVersion              uint16
	MinorVersion              uint16
	FileReferenceNumber       uint64
	ParentFileReferenceNumber uint64
	Usn                       int64
	TimeStamp                 int64
	Reason                    uint32
	SourceInfo                uint32
	SecurityID                uint32
	FileAttributes            uint32
	FileNameLength            uint16
	FileNameOffset            uint16
}

// pendingOldName tracks an OLD_NAME record awaiting its paired NEW_NAME.
type pendingOldName struct {
	reference uint64
	name      string
	time      time.Time
	isPfName  bool
}

// Reader streams change-journal records for one volume starting from the
// journal's first known entry, filtering to rename/delete reasons, and
// correlating them into Events (spec.md §4.8). A Reader is single-use: call
// Events once per invocation.
type Reader struct {
	volumeHandle windows.Handle
	buffer       []byte

	prefetchDirRefs map[uint64]bool
	pendingOldName  map[uint64]pendingOldName
}

// Open opens the NTFS volume underlying root (e.g. `C:`) and queries its
// change-journal metadata.
func Open(root string) (*Reader, error) {
	path := `\\.\` + strings.TrimSuffix(root, `\`)
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.Wrap(err, "journal: encoding volume path")
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: opening volume %s", root)
	}

	return &Reader{
		volumeHandle:    handle,
		buffer:          make([]byte, scanconfig.JournalBufferSize),
		prefetchDirRefs: make(map[uint64]bool),
		pendingOldName:  make(map[uint64]pendingOldName),
	}, nil
}

// Close releases the underlying volume handle.
func (r *Reader) Close() error {
	return windows.CloseHandle(r.volumeHandle)
}

func (r *Reader) queryJournal() (queryUSNJournalData, error) {
	var data queryUSNJournalData
	var bytesReturned uint32
	err := windows.DeviceIoControl(
		r.volumeHandle,
		fsctlQueryUSNJournal,
		nil, 0,
		(*byte)(unsafe.Pointer(&data)),
		uint32(unsafe.Sizeof(data)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		return queryUSNJournalData{}, errors.Wrap(err, "journal: querying USN journal metadata")
	}
	return data, nil
}

// Events reads the journal from its first known entry to end-of-stream,
// returning every Renamed/Deleted/PrefetchDirectoryRename/
// PrefetchDirectoryDelete event whose timestamp is after logonTime.
// Unpaired OLD_NAME records at end-of-stream are dropped (spec.md §4.8).
func (r *Reader) Events(logonTime time.Time) ([]Event, error) {
	meta, err := r.queryJournal()
	if err != nil {
		return nil, err
	}

	var events []Event
	startUsn := meta.FirstUsn

	for {
		readData := readUSNJournalData{
			StartUsn:          startUsn,
			ReasonMask:        usnReasonRenameOldName | usnReasonRenameNewName | usnReasonFileDelete,
			ReturnOnlyOnClose: 0,
			Timeout:           0,
			BytesToWaitFor:    0,
			UsnJournalID:      meta.UsnJournalID,
		}

		var bytesReturned uint32
		err := windows.DeviceIoControl(
			r.volumeHandle,
			fsctlReadUSNJournal,
			(*byte)(unsafe.Pointer(&readData)),
			uint32(unsafe.Sizeof(readData)),
			&r.buffer[0],
			uint32(len(r.buffer)),
			&bytesReturned,
			nil,
		)
		if err != nil {
			if errors.Is(err, windows.ERROR_HANDLE_EOF) {
				break
			}
			return nil, errors.Wrap(err, "journal: reading USN journal")
		}

		if bytesReturned <= 8 {
			break
		}

		nextUsn := *(*int64)(unsafe.Pointer(&r.buffer[0]))
		if nextUsn == startUsn {
			break
		}

		newEvents := r.processRecords(r.buffer[8:bytesReturned], logonTime)
		events = append(events, newEvents...)
		startUsn = nextUsn
	}

	return events, nil
}

// processRecords walks one buffer of raw USN records, tracking the
// prefetch-directory cohort and pairing OLD_NAME/NEW_NAME records into
// Renamed/PrefetchDirectoryRename events.
func (r *Reader) processRecords(buf []byte, logonTime time.Time) []Event {
	var events []Event
	var offset uint32

	for offset < uint32(len(buf)) {
		if offset+8 > uint32(len(buf)) {
			break
		}
		record := (*usnRecordV4)(unsafe.Pointer(&buf[offset]))
		if record.RecordLength == 0 || offset+record.RecordLength > uint32(len(buf)) {
			break
		}

		nameOffset := offset + uint32(record.FileNameOffset)
		if nameOffset+uint32(record.FileNameLength) > uint32(len(buf)) {
			break
		}
		nameBytes := buf[nameOffset : nameOffset+uint32(record.FileNameLength)]
		name := utf16BytesToString(nameBytes)

		recordTime := filetimeToTime(record.TimeStamp)
		if !recordTime.After(logonTime) {
			offset += record.RecordLength
			continue
		}

		if strings.EqualFold(name, prefetchDirName) {
			r.prefetchDirRefs[record.FileReferenceNumber] = true
		}

		isPf := strings.HasSuffix(strings.ToLower(name), ".pf")
		inCohort := r.prefetchDirRefs[record.FileReferenceNumber]

		switch {
		case record.Reason&usnReasonRenameOldName != 0:
			r.pendingOldName[record.FileReferenceNumber] = pendingOldName{
				reference: record.FileReferenceNumber,
				name:      name,
				time:      recordTime,
				isPfName:  isPf,
			}

		case record.Reason&usnReasonRenameNewName != 0:
			if old, ok := r.pendingOldName[record.FileReferenceNumber]; ok {
				delete(r.pendingOldName, record.FileReferenceNumber)
				switch {
				case inCohort:
					events = append(events, Event{Kind: PrefetchDirectoryRename, Name: old.name, NewName: name, Time: old.time, Reference: record.FileReferenceNumber})
				case old.isPfName:
					events = append(events, Event{Kind: Renamed, Name: old.name, NewName: name, Time: old.time, Reference: record.FileReferenceNumber})
				}
			}

		case record.Reason&usnReasonFileDelete != 0:
			switch {
			case inCohort:
				events = append(events, Event{Kind: PrefetchDirectoryDelete, Name: name, Time: recordTime, Reference: record.FileReferenceNumber})
			case isPf:
				events = append(events, Event{Kind: Deleted, Name: name, Time: recordTime, Reference: record.FileReferenceNumber})
			}
		}

		offset += record.RecordLength
	}

	return events
}

func utf16BytesToString(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return windows.UTF16ToString(u16)
}

// filetimeToTime converts an NT FILETIME (100-ns ticks since 1601-01-01,
// the same epoch used by the artifact decoder's execution timestamps) to a
// time.Time.
func filetimeToTime(ft int64) time.Time {
	const ticksPerSecond = 10_000_000
	const epochDeltaSeconds = 11644473600
	unixSeconds := ft/ticksPerSecond - epochDeltaSeconds
	unixNanos := (ft % ticksPerSecond) * 100
	return time.Unix(unixSeconds, unixNanos).UTC()
}
