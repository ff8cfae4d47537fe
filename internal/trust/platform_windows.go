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

package trust

import (
	"crypto/sha1"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/anonymouse64/pftrace/internal/scanconfig"
)

var (
	wintrustDLL = windows.NewLazySystemDLL("wintrust.dll")
	crypt32DLL  = windows.NewLazySystemDLL("crypt32.dll")

	procWinVerifyTrust                      = wintrustDLL.NewProc("WinVerifyTrust")
	procCryptCATAdminAcquireContext2        = crypt32DLL.NewProc("CryptCATAdminAcquireContext2")
	procCryptCATAdminCalcHashFromFileHandle2 = crypt32DLL.NewProc("CryptCATAdminCalcHashFromFileHandle2")
	procCryptCATAdminEnumCatalogFromHash    = crypt32DLL.NewProc("CryptCATAdminEnumCatalogFromHash")
	procCryptCATAdminReleaseCatalogContext  = crypt32DLL.NewProc("CryptCATAdminReleaseCatalogContext")
	procCryptCATAdminReleaseContext         = crypt32DLL.NewProc("CryptCATAdminReleaseContext")

	procCertOpenStore                     = crypt32DLL.NewProc("CertOpenStore")
	procCertEnumCertificatesInStore       = crypt32DLL.NewProc("CertEnumCertificatesInStore")
	procCertCloseStore                    = crypt32DLL.NewProc("CertCloseStore")
	procCertFreeCertificateContext        = crypt32DLL.NewProc("CertFreeCertificateContext")
	procCertGetCertificateContextProperty = crypt32DLL.NewProc("CertGetCertificateContextProperty")
	procCertGetNameStringW                = crypt32DLL.NewProc("CertGetNameStringW")

	procWTHelperProvDataFromStateData  = wintrustDLL.NewProc("WTHelperProvDataFromStateData")
	procWTHelperGetProvSignerFromChain = wintrustDLL.NewProc("WTHelperGetProvSignerFromChain")
	procWTHelperGetProvCertFromChain   = wintrustDLL.NewProc("WTHelperGetProvCertFromChain")
)

const (
	wtdUICNone          = 2
	wtdRevokeNone       = 0
	wtdChoiceFile       = 1
	wtdChoiceCatalog    = 2
	wtdStateActionVerify = 1
	wtdStateActionClose  = 2
	wtdSaferFlag         = 0x100
	certSHA1HashPropID   = 3

	certStoreProvSystemW = 10
	certSystemStoreCurrentUser     = 1 << 16
	certSystemStoreLocalMachine    = 2 << 16

	certNameSimpleDisplayType = 4
)

// WindowsPlatform is the production Platform implementation, binding to
// wintrust.dll / crypt32.dll directly. No Go wrapper for the Authenticode
// and CryptCAT admin APIs is vendored in the corpus, so these are bound the
// same way the pack's own USN journal backend binds unwrapped Win32 APIs:
// LazyDLL + manual struct layout.
type WindowsPlatform struct{}

// storeNames are snapshotted once per process, for both user and machine
// contexts, per spec.md §4.5.
var storeNames = []string{
	"MY", "Root", "Trust", "CA", "TrustedPublisher", "Disallowed",
	"AuthRoot", "TrustedPeople", "ClientAuthIssuer", "REQUEST",
	"SmartCardRoot",
}

func (WindowsPlatform) SelfImagePath() (string, error) {
	return os.Executable()
}

// guidActionGeneric is WINTRUST_ACTION_GENERIC_VERIFY_V2.
var guidActionGeneric = windows.GUID{
	Data1: 0x00AAC56B, Data2: 0xCD44, Data3: 0x11d0,
	Data4: [8]byte{0x8C, 0xC2, 0x00, 0xC0, 0x4F, 0xC2, 0x95, 0xEE},
}

// guidDriverActionVerify is DRIVER_ACTION_VERIFY, used for catalog checks.
var guidDriverActionVerify = windows.GUID{
	Data1: 0xF750E6C3, Data2: 0x38EE, Data3: 0x11d1,
	Data4: [8]byte{0x85, 0xE5, 0x00, 0xC0, 0x4F, 0xC2, 0x95, 0xEE},
}

type wintrustFileInfo struct {
	cbStruct       uint32
	pcwszFilePath  *uint16
	hFile          windows.Handle
	pgKnownSubject *windows.GUID
}

type wintrustCatalogInfo struct {
	cbStruct               uint32
	dwCatalogVersion        uint32
	pcwszCatalogFilePath    *uint16
	pcwszMemberTag          *uint16
	pcwszMemberFilePath     *uint16
	hMemberFile             windows.Handle
	pbCalculatedFileHash    *byte
	cbCalculatedFileHash    uint32
	pcCatalogContext        uintptr
	hCatAdmin               uintptr
}

type wintrustData struct {
	cbStruct            uint32
	pPolicyCallbackData uintptr
	pSIPClientData      uintptr
	uiChoice            uint32
	fdwRevocationChecks uint32
	unionChoice         uint32
	pInfo               uintptr
	stateAction          uint32
	hWVTStateData        windows.Handle
	pwszURLReference     *uint16
	dwProvFlags          uint32
	dwUIContext          uint32
	pSignatureSettings   uintptr
}

// VerifyEmbedded asks WinVerifyTrust to validate path's Authenticode
// signature and, on success, reads the signer certificate's subject name
// and SHA-1 hash out of the resulting WVT state.
func (WindowsPlatform) VerifyEmbedded(path string) (EmbeddedVerifyResult, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return EmbeddedVerifyResult{}, err
	}

	fileInfo := wintrustFileInfo{
		cbStruct:      uint32(unsafe.Sizeof(wintrustFileInfo{})),
		pcwszFilePath: pathPtr,
	}

	data := wintrustData{
		cbStruct:    uint32(unsafe.Sizeof(wintrustData{})),
		uiChoice:    wtdChoiceFile,
		unionChoice: wtdChoiceFile,
		pInfo:       uintptr(unsafe.Pointer(&fileInfo)),
		stateAction: wtdStateActionVerify,
		dwProvFlags: wtdSaferFlag,
	}

	r0, _, _ := procWinVerifyTrust.Call(
		uintptr(0), // hwnd: NULL
		uintptr(unsafe.Pointer(&guidActionGeneric)),
		uintptr(unsafe.Pointer(&data)),
	)

	result := EmbeddedVerifyResult{Verified: r0 == 0}
	if result.Verified {
		result.CertSubject, result.CertSHA1, _ = certFromTrustState(data.hWVTStateData)
	}

	// Release the WVT state regardless of verification outcome.
	data.stateAction = wtdStateActionClose
	procWinVerifyTrust.Call(
		uintptr(0),
		uintptr(unsafe.Pointer(&guidActionGeneric)),
		uintptr(unsafe.Pointer(&data)),
	)

	return result, nil
}

// cryptProviderCert mirrors the leading fields of CRYPT_PROVIDER_CERT far
// enough to read pCert; the trailing revocation/chain bookkeeping fields are
// never touched by this package.
type cryptProviderCert struct {
	cbStruct             uint32
	pCert                uintptr
	fCommercial          int32
	fTrustedRoot         int32
	fSelfSigned          int32
	fTestCert            int32
	dwRevokedReason      uint32
	dwConfidence         uint32
	dwError              uint32
	pTrustListContext    uintptr
	fTrustListSignerCert int32
	pCtlContext          uintptr
	dwCtlError           uint32
	fIsCyclic            int32
	pChainInfo           uintptr
}

// certFromTrustState extracts the signer certificate's subject name and
// SHA-1 hash from a completed WinVerifyTrust state handle, walking
// WTHelperProvDataFromStateData -> WTHelperGetProvSignerFromChain ->
// WTHelperGetProvCertFromChain exactly as GetSignerCommonName does in the
// original prefetch inspector's signature parser, then reading the subject
// via CertGetNameStringW(CERT_NAME_SIMPLE_DISPLAY_TYPE) and the hash via the
// same CertGetCertificateContextProperty path used for the cert-store scan.
func certFromTrustState(hStateData windows.Handle) (string, Sha1Hash, error) {
	if hStateData == 0 {
		return "", Sha1Hash{}, fmt.Errorf("no WVT state data")
	}

	provData, _, _ := procWTHelperProvDataFromStateData.Call(uintptr(hStateData))
	if provData == 0 {
		return "", Sha1Hash{}, fmt.Errorf("WTHelperProvDataFromStateData returned no provider data")
	}

	pSgnr, _, _ := procWTHelperGetProvSignerFromChain.Call(provData, 0, 0, 0)
	if pSgnr == 0 {
		return "", Sha1Hash{}, fmt.Errorf("WTHelperGetProvSignerFromChain found no signer")
	}

	pCert, _, _ := procWTHelperGetProvCertFromChain.Call(pSgnr, 0)
	if pCert == 0 {
		return "", Sha1Hash{}, fmt.Errorf("WTHelperGetProvCertFromChain found no certificate")
	}
	cert := (*cryptProviderCert)(unsafe.Pointer(pCert))
	if cert.pCert == 0 {
		return "", Sha1Hash{}, fmt.Errorf("provider certificate has no context")
	}

	subject := certSubjectFromContext(cert.pCert)
	hash, err := certHashFromContext(cert.pCert)
	if err != nil {
		return subject, Sha1Hash{}, err
	}
	return subject, hash, nil
}

// certSubjectFromContext reads a certificate's simple display subject name,
// the same CertGetNameStringW(CERT_NAME_SIMPLE_DISPLAY_TYPE) call the
// original's GetSignerCommonName uses.
func certSubjectFromContext(certCtx uintptr) string {
	n, _, _ := procCertGetNameStringW.Call(certCtx, uintptr(certNameSimpleDisplayType), 0, 0, 0, 0)
	if n <= 1 {
		return ""
	}
	buf := make([]uint16, n)
	procCertGetNameStringW.Call(certCtx, uintptr(certNameSimpleDisplayType), 0, 0,
		uintptr(unsafe.Pointer(&buf[0])), n)
	return windows.UTF16ToString(buf)
}

// VerifyCatalog verifies path against any catalog entries matching
// fileHash using CryptCATAdmin*. CryptCATAdminEnumCatalogFromHash is itself
// a sequential cursor API, so candidates are collected first; each
// candidate is then verified against WinVerifyTrust as a future on the
// shared worker pool (scanconfig.GlobalWorkerPoolSize), mirroring the
// original inspector's GlobalThreadPool fan-out, with the first success
// short-circuiting the rest.
func (WindowsPlatform) VerifyCatalog(path string, fileHash Sha1Hash) (bool, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false, err
	}
	h, err := windows.CreateFile(pathPtr, windows.GENERIC_READ, windows.FILE_SHARE_READ, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return false, err
	}
	defer windows.CloseHandle(h)

	var catAdmin uintptr
	r0, _, _ := procCryptCATAdminAcquireContext2.Call(
		uintptr(unsafe.Pointer(&catAdmin)),
		0, // pgSubsystem: NULL = driver verification subsystem
		0, 0, 0,
	)
	if r0 == 0 {
		return false, fmt.Errorf("CryptCATAdminAcquireContext2 failed")
	}
	defer procCryptCATAdminReleaseContext.Call(catAdmin, 0)

	var hashSize uint32 = 20
	var hashBuf [20]byte
	copy(hashBuf[:], fileHash[:])
	r0, _, _ = procCryptCATAdminCalcHashFromFileHandle2.Call(
		catAdmin, uintptr(h),
		uintptr(unsafe.Pointer(&hashSize)),
		uintptr(unsafe.Pointer(&hashBuf[0])),
		0,
	)
	if r0 == 0 {
		return false, fmt.Errorf("CryptCATAdminCalcHashFromFileHandle2 failed")
	}

	var candidates []uintptr
	var catContext uintptr
	for {
		r0, _, _ := procCryptCATAdminEnumCatalogFromHash.Call(
			catAdmin,
			uintptr(unsafe.Pointer(&hashBuf[0])),
			uintptr(hashSize),
			0,
			uintptr(unsafe.Pointer(&catContext)),
		)
		if r0 == 0 {
			break
		}
		catContext = r0
		candidates = append(candidates, catContext)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	poolSize := scanconfig.GlobalWorkerPoolSize()
	if poolSize > len(candidates) {
		poolSize = len(candidates)
	}

	results := make(chan bool, len(candidates))
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup
	for _, cc := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(cc uintptr) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := verifyAgainstCatalog(catAdmin, cc, path, h, hashBuf[:], hashSize)
			procCryptCATAdminReleaseCatalogContext.Call(catAdmin, cc, 0)
			results <- ok
		}(cc)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	found := false
	for ok := range results {
		if ok {
			found = true
			break
		}
	}
	return found, nil
}

func verifyAgainstCatalog(catAdmin, catContext uintptr, path string, fileHandle windows.Handle, hash []byte, hashSize uint32) bool {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}

	catInfo := wintrustCatalogInfo{
		cbStruct:             uint32(unsafe.Sizeof(wintrustCatalogInfo{})),
		pcwszMemberTag:       pathPtr,
		pcwszMemberFilePath:  pathPtr,
		hMemberFile:          fileHandle,
		pbCalculatedFileHash: &hash[0],
		cbCalculatedFileHash: hashSize,
		pcCatalogContext:     catContext,
		hCatAdmin:            catAdmin,
	}

	data := wintrustData{
		cbStruct:    uint32(unsafe.Sizeof(wintrustData{})),
		uiChoice:    wtdChoiceCatalog,
		unionChoice: wtdChoiceCatalog,
		pInfo:       uintptr(unsafe.Pointer(&catInfo)),
		stateAction: wtdStateActionVerify,
		dwProvFlags: wtdSaferFlag,
	}

	r0, _, _ := procWinVerifyTrust.Call(
		uintptr(0),
		uintptr(unsafe.Pointer(&guidDriverActionVerify)),
		uintptr(unsafe.Pointer(&data)),
	)

	data.stateAction = wtdStateActionClose
	procWinVerifyTrust.Call(
		uintptr(0),
		uintptr(unsafe.Pointer(&guidDriverActionVerify)),
		uintptr(unsafe.Pointer(&data)),
	)

	return r0 == 0
}

// CertificateStoreHashes opens every named store for both the current-user
// and local-machine contexts, enumerates every certificate's SHA-1 hash,
// and closes each store before returning. Each certificate context is
// freed immediately after its hash is copied out, per the scoped-resource
// guidance in spec.md §9 — no context outlives this call.
func (WindowsPlatform) CertificateStoreHashes() (map[Sha1Hash]bool, error) {
	hashes := make(map[Sha1Hash]bool)
	contexts := []uint32{certSystemStoreCurrentUser, certSystemStoreLocalMachine}

	for _, ctx := range contexts {
		for _, name := range storeNames {
			if err := enumerateStore(name, ctx, hashes); err != nil {
				log.WithError(err).WithField("store", name).Debug("skipping certificate store")
			}
		}
	}
	return hashes, nil
}

func enumerateStore(name string, storeCtxFlags uint32, out map[Sha1Hash]bool) error {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}

	storeHandle, _, _ := procCertOpenStore.Call(
		uintptr(certStoreProvSystemW),
		0,
		0,
		uintptr(storeCtxFlags),
		uintptr(unsafe.Pointer(namePtr)),
	)
	if storeHandle == 0 {
		return fmt.Errorf("CertOpenStore(%s) failed", name)
	}
	defer procCertCloseStore.Call(storeHandle, 0)

	var certCtx uintptr
	for {
		r0, _, _ := procCertEnumCertificatesInStore.Call(storeHandle, certCtx)
		if r0 == 0 {
			break
		}
		certCtx = r0

		if h, err := certHashFromContext(certCtx); err == nil {
			out[h] = true
		}
	}
	return nil
}

func certHashFromContext(certCtx uintptr) (Sha1Hash, error) {
	var size uint32 = 20
	var buf [20]byte
	r0, _, _ := procCertGetCertificateContextProperty.Call(
		certCtx,
		uintptr(certSHA1HashPropID),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
	)
	if r0 == 0 {
		return Sha1Hash{}, fmt.Errorf("CertGetCertificateContextProperty failed")
	}
	var h Sha1Hash
	copy(h[:], buf[:])
	return h, nil
}

// mapFileSHA1 computes path's SHA-1 by memory-mapping it and hashing in
// 64 KiB windows, per spec.md §4.5. The Resolver does not call it: its
// full-file hashes come from the chunked reader hashFile.
func mapFileSHA1(path string, chunkSize int) (Sha1Hash, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Sha1Hash{}, err
	}
	fileHandle, err := windows.CreateFile(pathPtr, windows.GENERIC_READ, windows.FILE_SHARE_READ, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return Sha1Hash{}, err
	}
	defer windows.CloseHandle(fileHandle)

	var fileSize int64
	if err := windows.GetFileSizeEx(fileHandle, &fileSize); err != nil {
		return Sha1Hash{}, err
	}
	if fileSize == 0 {
		var out Sha1Hash
		copy(out[:], sha1.New().Sum(nil))
		return out, nil
	}

	mapping, err := windows.CreateFileMapping(fileHandle, nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return Sha1Hash{}, err
	}
	defer windows.CloseHandle(mapping)

	h := sha1.New()
	var offset int64
	for offset < fileSize {
		want := int64(chunkSize)
		if remaining := fileSize - offset; remaining < want {
			want = remaining
		}
		addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_READ, uint32(offset>>32), uint32(offset), uintptr(want))
		if err != nil {
			return Sha1Hash{}, err
		}
		view := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(want))
		h.Write(view)
		windows.UnmapViewOfFile(addr)
		offset += want
	}

	var out Sha1Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
