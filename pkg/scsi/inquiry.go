package scsi

import "encoding/hex"

// Vendor and product identification strings reported in the standard
// INQUIRY page, matching the original daemon's identity exactly.
const (
	VendorName  = "DEDUPV1"
	ProductName = "DEDUPV1"
	RevisionLevel = " 001"
)

// InquiryParams carries the volume-specific fields the INQUIRY response
// needs; the byte layout itself is pure and lives here rather than in
// pkg/volume.
type InquiryParams struct {
	Maintenance        bool
	UniqueSerialNumber uint64
	DeviceName         string
}

// StandardInquiry renders the 66-byte standard INQUIRY page (EVPD=0,
// CMDDT=0, page code 0).
func StandardInquiry(p InquiryParams) []byte {
	buf := make([]byte, 66)

	if p.Maintenance {
		buf[0] = 0x03 << 5 // peripheral qualifier 3 ("not connected"), device type disk
	} else {
		buf[0] = 0x00
	}
	buf[1] = 0x00 // not removable
	buf[2] = 0x05
	buf[3] = 0x12 // response data format 2 + HiSup
	buf[4] = byte(len(buf) - 5)
	// byte 5: no 3rd party copy, no protection
	// byte 7: full queue support
	buf[7] = 0x02

	copy(buf[8:16], padTo(VendorName, 8))
	copy(buf[16:32], padTo(ProductName, 16))
	copy(buf[32:36], RevisionLevel)

	buf[58] = 0x00 // SAM-3
	buf[59] = 0x60
	buf[60] = 0x03 // SBC-2
	buf[61] = 0x20
	buf[62] = 0x02 // SPC-2
	buf[63] = 0x60
	buf[64] = 0x09 // iSCSI
	buf[65] = 0x60

	return buf
}

func padTo(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// InquirySupportedPages renders EVPD page 0x00, the list of supported VPD
// pages.
func InquirySupportedPages() []byte {
	return []byte{0x00, 0x00, 0x00, 2, 0x80, 0x83}
}

// InquiryUnitSerial renders EVPD page 0x80 (unit serial number) as the hex
// encoding of the volume's unique serial number, truncated to 8 bytes like
// the original implementation.
func InquiryUnitSerial(usn uint64) []byte {
	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[i] = byte(usn >> (56 - 8*i))
	}
	hexStr := hex.EncodeToString(raw)
	if len(hexStr) > 8 {
		hexStr = hexStr[:8]
	}
	buf := make([]byte, 4+len(hexStr))
	buf[1] = 0x80
	buf[3] = byte(len(hexStr))
	copy(buf[4:], hexStr)
	return buf
}

// vendorIDSuffix is the fixed vendor identifier the original daemon embeds
// in the device identification page, unrelated to VendorName.
const vendorIDSuffix = "CHRISTMA"

// InquiryDeviceIdentification renders EVPD page 0x83: an ASCII device-name
// descriptor followed by a vendor-id descriptor.
func InquiryDeviceIdentification(deviceName string) []byte {
	total := 8 + len(deviceName) + 4 + 8
	buf := make([]byte, total)
	buf[1] = 0x83
	buf[3] = byte(total - 4)

	buf[4] = 0x02
	buf[4+3] = byte(len(deviceName) + 1)
	copy(buf[8:], deviceName)

	idStart := 8 + len(deviceName)
	buf[idStart] = 0x02
	buf[idStart+1] = 0x01
	buf[idStart+3] = 9
	copy(buf[idStart+4:], vendorIDSuffix)

	return buf
}

// Inquiry dispatches EVPD/CMDDT/page-code combinations to the correct
// page builder, per spec §4.2.
func Inquiry(evpd, cmddt bool, pageCode byte, p InquiryParams) ([]byte, Result) {
	if evpd && cmddt {
		return nil, ErrInvalidField
	}
	if cmddt {
		return nil, ErrInvalidField
	}
	if evpd {
		switch pageCode {
		case 0x00:
			return InquirySupportedPages(), Ok
		case 0x80:
			return InquiryUnitSerial(p.UniqueSerialNumber), Ok
		case 0x83:
			return InquiryDeviceIdentification(p.DeviceName), Ok
		default:
			return nil, ErrInvalidField
		}
	}
	if pageCode != 0 {
		return nil, ErrInvalidField
	}
	return StandardInquiry(p), Ok
}
