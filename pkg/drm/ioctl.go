//go:build linux

package drm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocWrite = 1
	iocRead  = 2

	ioctlBase = 'd'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ioctlBase<<8 | nr
}

func iowr(nr uintptr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }
func iow(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }

type (
	sysSetClientCap struct {
		capability uint64
		value      uint64
	}

	sysResources struct {
		fbIDPtr         uint64
		crtcIDPtr       uint64
		connectorIDPtr  uint64
		encoderIDPtr    uint64
		countFbs        uint32
		countCrtcs      uint32
		countConnectors uint32
		countEncoders   uint32
		minWidth        uint32
		maxWidth        uint32
		minHeight       uint32
		maxHeight       uint32
	}

	sysGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32
		connectorID     uint32
		connectorType   uint32
		connectorTypeID uint32

		connection uint32
		mmWidth    uint32
		mmHeight   uint32
		subpixel   uint32
		pad        uint32
	}

	sysGetEncoder struct {
		encoderID      uint32
		encoderType    uint32
		crtcID         uint32
		possibleCrtcs  uint32
		possibleClones uint32
	}

	sysGetPlaneResources struct {
		planeIDPtr  uint64
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID          uint32
		crtcID           uint32
		fbID             uint32
		possibleCrtcs    uint32
		gammaSize        uint32
		countFormatTypes uint32
		formatTypePtr    uint64
	}

	sysGetProperty struct {
		valuesPtr      uint64
		enumBlobPtr    uint64
		propID         uint32
		flags          uint32
		name           [propNameLen]uint8
		countValues    uint32
		countEnumBlobs uint32
	}

	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysObjSetProperty struct {
		value   uint64
		propID  uint32
		objID   uint32
		objType uint32
	}

	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysCreateDumb struct {
		height uint32
		width  uint32
		bpp    uint32
		flags  uint32
		handle uint32
		pitch  uint32
		size   uint64
	}

	sysMapDumb struct {
		handle uint32
		pad    uint32
		offset uint64
	}

	sysDestroyDumb struct {
		handle uint32
	}

	sysFBCmd2 struct {
		fbID        uint32
		width       uint32
		height      uint32
		pixelFormat uint32
		flags       uint32
		handles     [4]uint32
		pitches     [4]uint32
		offsets     [4]uint32
		modifier    [4]uint64
	}
)

var (
	ioctlSetMaster             = ioc(0, 0x1e, 0)
	ioctlSetClientCap          = iow(0x0d, unsafe.Sizeof(sysSetClientCap{}))
	ioctlModeGetResources      = iowr(0xa0, unsafe.Sizeof(sysResources{}))
	ioctlModeGetEncoder        = iowr(0xa6, unsafe.Sizeof(sysGetEncoder{}))
	ioctlModeGetConnector      = iowr(0xa7, unsafe.Sizeof(sysGetConnector{}))
	ioctlModeGetProperty       = iowr(0xaa, unsafe.Sizeof(sysGetProperty{}))
	ioctlModeRmFB              = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModeCreateDumb        = iowr(0xb2, unsafe.Sizeof(sysCreateDumb{}))
	ioctlModeMapDumb           = iowr(0xb3, unsafe.Sizeof(sysMapDumb{}))
	ioctlModeDestroyDumb       = iowr(0xb4, unsafe.Sizeof(sysDestroyDumb{}))
	ioctlModeGetPlaneResources = iowr(0xb5, unsafe.Sizeof(sysGetPlaneResources{}))
	ioctlModeGetPlane          = iowr(0xb6, unsafe.Sizeof(sysGetPlane{}))
	ioctlModeAddFB2            = iowr(0xb8, unsafe.Sizeof(sysFBCmd2{}))
	ioctlModeObjGetProperties  = iowr(0xb9, unsafe.Sizeof(sysObjGetProperties{}))
	ioctlModeObjSetProperty    = iowr(0xba, unsafe.Sizeof(sysObjSetProperty{}))
	ioctlModeAtomic            = iowr(0xbc, unsafe.Sizeof(sysAtomic{}))
	ioctlModeCreateBlob        = iowr(0xbd, unsafe.Sizeof(sysCreateBlob{}))
	ioctlModeDestroyBlob       = iowr(0xbe, unsafe.Sizeof(sysDestroyBlob{}))
)

const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3
)

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
