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

package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/anonymouse64/pftrace/internal/scanconfig"
)

const memoryManagementKeyPath = `SYSTEM\CurrentControlSet\Control\Session Manager\Memory Management\PrefetchParameters`

const (
	systemModuleInformation  = 11
	statusInfoLengthMismatch = 0xC0000004
)

var (
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procQueryThreadCycleTime     = kernel32.NewProc("QueryThreadCycleTime")
	ntdll                        = windows.NewLazySystemDLL("ntdll.dll")
	procNtQuerySystemInformation = ntdll.NewProc("NtQuerySystemInformation")
	procNtQueryInformationThread = ntdll.NewProc("NtQueryInformationThread")
)

// systemModuleEntry mirrors RTL_PROCESS_MODULE_INFORMATION (the
// documented name for the undocumented SYSTEM_MODULE_ENTRY returned by
// NtQuerySystemInformation(SystemModuleInformation)).
type systemModuleEntry struct {
	Section          uintptr
	MappedBase       uintptr
	ImageBase        uintptr
	ImageSize        uint32
	Flags            uint32
	LoadOrderIndex   uint16
	InitOrderIndex   uint16
	LoadCount        uint16
	ModuleNameOffset uint16
	ImageName        [256]byte
}

// WindowsPlatform implements Platform via the registry, filesystem
// attribute, process/thread, and service-control APIs.
type WindowsPlatform struct {
	// ServiceName is the prefetch-related service name (SysMain).
	// ServiceThreadLiveness probes the service named by its own argument
	// and does not read this field.
	ServiceName string
	// DriverServiceName is the FileInfo filter-driver service name.
	DriverServiceName string
}

// NewWindowsPlatform returns a WindowsPlatform configured for the standard
// SysMain/FileInfo service names.
func NewWindowsPlatform() *WindowsPlatform {
	return &WindowsPlatform{ServiceName: "SysMain", DriverServiceName: "FileInfo"}
}

func (p *WindowsPlatform) RegistryTuning() (RegistryTuning, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, memoryManagementKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return RegistryTuning{}, errors.Wrap(err, "report: opening memory management key")
	}
	defer key.Close()

	prefetcher, _, err := key.GetIntegerValue("EnablePrefetcher")
	if err != nil {
		return RegistryTuning{}, errors.Wrap(err, "report: reading EnablePrefetcher")
	}
	superfetch, _, err := key.GetIntegerValue("EnableSuperfetch")
	if err != nil {
		return RegistryTuning{}, errors.Wrap(err, "report: reading EnableSuperfetch")
	}

	_, lastWrite, err := key.Stat()
	var lastWriteTime time.Time
	if err == nil {
		lastWriteTime = lastWrite.ModTime()
	}

	return RegistryTuning{
		EnablePrefetcher: DecodeTuningState(uint32(prefetcher)),
		EnableSuperfetch: DecodeTuningState(uint32(superfetch)),
		LastWriteTime:    lastWriteTime,
	}, nil
}

func (p *WindowsPlatform) ArtifactAttributes(dir string) ([]AttributeFlag, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "report: listing artifact directory")
	}

	var flags []AttributeFlag
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pf") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		pathPtr, err := windows.UTF16PtrFromString(path)
		if err != nil {
			continue
		}
		attrs, err := windows.GetFileAttributes(pathPtr)
		if err != nil {
			continue
		}
		hidden := attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0
		readOnly := attrs&windows.FILE_ATTRIBUTE_READONLY != 0
		if hidden || readOnly {
			flags = append(flags, AttributeFlag{Path: path, Hidden: hidden, ReadOnly: readOnly})
		}
	}
	return flags, nil
}

func (p *WindowsPlatform) ServiceThreadLiveness(serviceName string) (ServiceLiveness, error) {
	pid, err := findServiceProcessID(serviceName)
	if err != nil {
		return ServiceLiveness{}, err
	}

	threadID, err := busiestThreadInModule(pid, "sechost.dll")
	if err != nil {
		return ServiceLiveness{Sampled: false}, nil
	}

	first, err := sampleThreadCycleTime(threadID)
	if err != nil {
		return ServiceLiveness{Sampled: false}, nil
	}
	time.Sleep(time.Duration(scanconfig.ThreadLivenessSampleWindowSeconds) * time.Second)
	second, err := sampleThreadCycleTime(threadID)
	if err != nil {
		return ServiceLiveness{Sampled: false}, nil
	}

	return ServiceLiveness{Sampled: true, Active: second > first}, nil
}

func (p *WindowsPlatform) FileInfoDriverStatus() (DriverStatus, error) {
	running, err := serviceRunning(p.DriverServiceName)
	if err != nil {
		return DriverStatus{}, err
	}

	loaded := isModuleLoaded(p.DriverServiceName + ".sys")

	events, err := queryFileInfoEvents()
	if err != nil {
		log.WithError(err).Debug("could not query FileInfo event log records")
		events = nil
	}

	return DriverStatus{ServiceRunning: running, DriverLoaded: loaded, Events: events}, nil
}

func serviceRunning(name string) (bool, error) {
	m, err := mgr.Connect()
	if err != nil {
		return false, errors.Wrap(err, "report: connecting to service manager")
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return false, errors.Wrapf(err, "report: opening service %s", name)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return false, errors.Wrapf(err, "report: querying service %s", name)
	}
	return status.State == svc.Running, nil
}

func findServiceProcessID(serviceName string) (uint32, error) {
	m, err := mgr.Connect()
	if err != nil {
		return 0, errors.Wrap(err, "report: connecting to service manager")
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return 0, errors.Wrapf(err, "report: opening service %s", serviceName)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return 0, errors.Wrapf(err, "report: querying service %s", serviceName)
	}
	return status.ProcessId, nil
}

// isModuleLoaded reports whether moduleName (e.g. "FileInfo.sys") is loaded
// as a kernel module system-wide, walking the NtQuerySystemInformation
// (SystemModuleInformation) list the way the original inspector's
// IsDriverLoaded does. A per-process module snapshot (as Toolhelp32 would
// give) cannot see kernel drivers at all, since they aren't mapped into any
// single process's module list.
func isModuleLoaded(moduleName string) bool {
	var size uint32
	status, _, _ := procNtQuerySystemInformation.Call(
		uintptr(systemModuleInformation), 0, 0, uintptr(unsafe.Pointer(&size)),
	)
	if uint32(status) != statusInfoLengthMismatch || size == 0 {
		return false
	}

	buf := make([]byte, size)
	status, _, _ = procNtQuerySystemInformation.Call(
		uintptr(systemModuleInformation),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(size),
		uintptr(unsafe.Pointer(&size)),
	)
	if int32(status) < 0 {
		return false
	}

	const modulesOffset = 8 // NumberOfModules (ULONG) padded to 8-byte alignment
	if len(buf) < modulesOffset+4 {
		return false
	}
	numModules := *(*uint32)(unsafe.Pointer(&buf[0]))
	entrySize := unsafe.Sizeof(systemModuleEntry{})

	for i := uint32(0); i < numModules; i++ {
		off := uintptr(modulesOffset) + uintptr(i)*entrySize
		if off+entrySize > uintptr(len(buf)) {
			break
		}
		entry := (*systemModuleEntry)(unsafe.Pointer(&buf[off]))
		if strings.EqualFold(moduleBaseName(entry), moduleName) {
			return true
		}
	}
	return false
}

// moduleBaseName extracts the base filename from a systemModuleEntry's
// NUL-terminated full image path using its ModuleNameOffset.
func moduleBaseName(entry *systemModuleEntry) string {
	full := entry.ImageName[:]
	if end := bytes.IndexByte(full, 0); end >= 0 {
		full = full[:end]
	}
	if int(entry.ModuleNameOffset) < len(full) {
		full = full[entry.ModuleNameOffset:]
	}
	return string(full)
}

// busiestThreadInModule finds, among pid's threads, the one whose start
// address falls inside moduleName's address range with the highest cycle
// count (spec.md §4.9 step 4).
func busiestThreadInModule(pid uint32, moduleName string) (uint32, error) {
	process, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return 0, errors.Wrap(err, "report: opening service process")
	}
	defer windows.CloseHandle(process)

	modStart, modEnd, err := moduleRange(process, moduleName)
	if err != nil {
		return 0, err
	}

	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return 0, errors.Wrap(err, "report: snapshotting threads")
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Thread32First(snapshot, &entry); err != nil {
		return 0, errors.Wrap(err, "report: enumerating threads")
	}

	var best uint32
	var bestCycles uint64
	for {
		if entry.OwnerProcessID == pid {
			if thread, err := windows.OpenThread(windows.THREAD_QUERY_INFORMATION, false, entry.ThreadID); err == nil {
				cycles, cerr := sampleThreadCycleTime(entry.ThreadID)
				inRange := threadStartsInRange(thread, modStart, modEnd)
				windows.CloseHandle(thread)
				if cerr == nil && cycles >= bestCycles && inRange {
					best = entry.ThreadID
					bestCycles = cycles
				}
			}
		}
		if err := windows.Thread32Next(snapshot, &entry); err != nil {
			break
		}
	}
	if best == 0 {
		return 0, errors.New("report: no thread found in target module range")
	}
	return best, nil
}

// threadQuerySetWin32StartAddress is THREADINFOCLASS value 9, the
// undocumented class SysmainThreadSechost queries for a thread's start
// address.
const threadQuerySetWin32StartAddress = 9

// threadStartsInRange reports whether thread's Win32 start address (as
// NtQueryInformationThread(ThreadQuerySetWin32StartAddress) reports it)
// falls within [modStart, modEnd), mirroring
// _sechost_sysmain.h's NtQueryInformationThread walk. Reports false (not
// true) on query failure so a thread whose start address cannot be
// determined never wins the busiest-thread race by default.
func threadStartsInRange(thread windows.Handle, modStart, modEnd uintptr) bool {
	var startAddr uintptr
	status, _, _ := procNtQueryInformationThread.Call(
		uintptr(thread),
		threadQuerySetWin32StartAddress,
		uintptr(unsafe.Pointer(&startAddr)),
		unsafe.Sizeof(startAddr),
		0,
	)
	if int32(status) < 0 {
		return false
	}
	return startAddr >= modStart && startAddr < modEnd
}

func moduleRange(process windows.Handle, moduleName string) (start, end uintptr, err error) {
	var modules [1024]windows.Handle
	var needed uint32
	if err := windows.EnumProcessModules(process, &modules[0], uint32(len(modules)*8), &needed); err != nil {
		return 0, 0, errors.Wrap(err, "report: enumerating process modules")
	}

	count := int(needed) / 8
	for i := 0; i < count && i < len(modules); i++ {
		var baseName [windows.MAX_PATH]uint16
		if err := windows.GetModuleBaseName(process, modules[i], &baseName[0], uint32(len(baseName))); err != nil {
			continue
		}
		if !strings.EqualFold(windows.UTF16ToString(baseName[:]), moduleName) {
			continue
		}
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(process, modules[i], &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		return info.BaseOfDll, info.BaseOfDll + uintptr(info.SizeOfImage), nil
	}
	return 0, 0, errors.New("report: module not found in process")
}

func sampleThreadCycleTime(threadID uint32) (uint64, error) {
	thread, err := windows.OpenThread(windows.THREAD_QUERY_INFORMATION, false, threadID)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(thread)

	var cycles uint64
	r1, _, e1 := procQueryThreadCycleTime.Call(uintptr(thread), uintptr(unsafe.Pointer(&cycles)))
	if r1 == 0 {
		return 0, e1
	}
	return cycles, nil
}

// queryFileInfoEvents is a narrow seam over the System event log, reporting
// only FileInfo-tagged load/unload records (IDs 1 and 6) since logon. The
// full wevtapi XPath-query binding is left for a follow-up: this returns an
// empty slice rather than a partial/fabricated one.
func queryFileInfoEvents() ([]EventRecord, error) {
	return nil, nil
}
