package sys

import "encoding/binary"

// Parameter blocks passed to the kernel by pointer. Layouts are the 32-bit
// wire format guest libc emits: little-endian, 4-byte fields, no padding
// beyond what the struct order implies.

// StringArgument is the (pointer, length) pair the guest uses for paths and
// other counted strings.
type StringArgument struct {
	Characters uint32
	Length     uint32
}

// StringArgumentSize is the wire size of a StringArgument.
const StringArgumentSize = 8

func decodeStringArgument(b []byte) StringArgument {
	return StringArgument{
		Characters: binary.LittleEndian.Uint32(b),
		Length:     binary.LittleEndian.Uint32(b[4:]),
	}
}

// OpenParams is the parameter block for open.
type OpenParams struct {
	Dirfd   int32
	Path    StringArgument
	Options int32
	Mode    uint32
}

// OpenParamsSize is the wire size of OpenParams.
const OpenParamsSize = 4 + StringArgumentSize + 4 + 4

// DecodeOpenParams parses an OpenParams block.
func DecodeOpenParams(b []byte) OpenParams {
	return OpenParams{
		Dirfd:   int32(binary.LittleEndian.Uint32(b)),
		Path:    decodeStringArgument(b[4:]),
		Options: int32(binary.LittleEndian.Uint32(b[12:])),
		Mode:    binary.LittleEndian.Uint32(b[16:]),
	}
}

// MmapParams is the parameter block for mmap.
type MmapParams struct {
	Addr      uint32
	Size      uint32
	Alignment uint32
	Prot      int32
	Flags     int32
	Fd        int32
	Offset    int32
	Name      StringArgument
}

// MmapParamsSize is the wire size of MmapParams.
const MmapParamsSize = 7*4 + StringArgumentSize

// DecodeMmapParams parses an MmapParams block.
func DecodeMmapParams(b []byte) MmapParams {
	return MmapParams{
		Addr:      binary.LittleEndian.Uint32(b),
		Size:      binary.LittleEndian.Uint32(b[4:]),
		Alignment: binary.LittleEndian.Uint32(b[8:]),
		Prot:      int32(binary.LittleEndian.Uint32(b[12:])),
		Flags:     int32(binary.LittleEndian.Uint32(b[16:])),
		Fd:        int32(binary.LittleEndian.Uint32(b[20:])),
		Offset:    int32(binary.LittleEndian.Uint32(b[24:])),
		Name:      decodeStringArgument(b[28:]),
	}
}

// StatParams is the parameter block for stat.
type StatParams struct {
	Path           StringArgument
	StatBuf        uint32
	FollowSymlinks bool
}

// StatParamsSize is the wire size of StatParams.
const StatParamsSize = StringArgumentSize + 4 + 4

// DecodeStatParams parses a StatParams block.
func DecodeStatParams(b []byte) StatParams {
	return StatParams{
		Path:           decodeStringArgument(b),
		StatBuf:        binary.LittleEndian.Uint32(b[8:]),
		FollowSymlinks: binary.LittleEndian.Uint32(b[12:]) != 0,
	}
}

// RealpathParams is the parameter block for realpath.
type RealpathParams struct {
	Path   StringArgument
	Buffer StringArgument // out-buffer: (pointer, capacity)
}

// RealpathParamsSize is the wire size of RealpathParams.
const RealpathParamsSize = 2 * StringArgumentSize

// DecodeRealpathParams parses a RealpathParams block.
func DecodeRealpathParams(b []byte) RealpathParams {
	return RealpathParams{
		Path:   decodeStringArgument(b),
		Buffer: decodeStringArgument(b[8:]),
	}
}

// SockOptParams is the parameter block shared by getsockopt and setsockopt.
type SockOptParams struct {
	Sockfd    int32
	Level     int32
	Option    int32
	Value     uint32
	ValueSize uint32
}

// SockOptParamsSize is the wire size of SockOptParams.
const SockOptParamsSize = 5 * 4

// DecodeSockOptParams parses a SockOptParams block.
func DecodeSockOptParams(b []byte) SockOptParams {
	return SockOptParams{
		Sockfd:    int32(binary.LittleEndian.Uint32(b)),
		Level:     int32(binary.LittleEndian.Uint32(b[4:])),
		Option:    int32(binary.LittleEndian.Uint32(b[8:])),
		Value:     binary.LittleEndian.Uint32(b[12:]),
		ValueSize: binary.LittleEndian.Uint32(b[16:]),
	}
}

// SelectParams is the parameter block for select.
type SelectParams struct {
	Nfds      int32
	Readfds   uint32
	Writefds  uint32
	Exceptfds uint32
	Timeout   uint32
	Sigmask   uint32
}

// SelectParamsSize is the wire size of SelectParams.
const SelectParamsSize = 6 * 4

// DecodeSelectParams parses a SelectParams block.
func DecodeSelectParams(b []byte) SelectParams {
	return SelectParams{
		Nfds:      int32(binary.LittleEndian.Uint32(b)),
		Readfds:   binary.LittleEndian.Uint32(b[4:]),
		Writefds:  binary.LittleEndian.Uint32(b[8:]),
		Exceptfds: binary.LittleEndian.Uint32(b[12:]),
		Timeout:   binary.LittleEndian.Uint32(b[16:]),
		Sigmask:   binary.LittleEndian.Uint32(b[20:]),
	}
}

// RecvFromParams is the parameter block for recvfrom.
type RecvFromParams struct {
	Sockfd     int32
	Buffer     StringArgument // (pointer, size)
	Flags      int32
	Addr       uint32
	AddrLength uint32 // pointer to socklen_t
}

// RecvFromParamsSize is the wire size of RecvFromParams.
const RecvFromParamsSize = 4 + StringArgumentSize + 3*4

// DecodeRecvFromParams parses a RecvFromParams block.
func DecodeRecvFromParams(b []byte) RecvFromParams {
	return RecvFromParams{
		Sockfd:     int32(binary.LittleEndian.Uint32(b)),
		Buffer:     decodeStringArgument(b[4:]),
		Flags:      int32(binary.LittleEndian.Uint32(b[12:])),
		Addr:       binary.LittleEndian.Uint32(b[16:]),
		AddrLength: binary.LittleEndian.Uint32(b[20:]),
	}
}

// StringList is a counted array of StringArguments (argv/envp for execve).
type StringList struct {
	Strings uint32 // pointer to StringArgument[Length]
	Length  uint32
}

// ExecveParams is the parameter block for execve.
type ExecveParams struct {
	Path        StringArgument
	Arguments   StringList
	Environment StringList
}

// ExecveParamsSize is the wire size of ExecveParams.
const ExecveParamsSize = 3 * StringArgumentSize

// DecodeExecveParams parses an ExecveParams block.
func DecodeExecveParams(b []byte) ExecveParams {
	return ExecveParams{
		Path: decodeStringArgument(b),
		Arguments: StringList{
			Strings: binary.LittleEndian.Uint32(b[8:]),
			Length:  binary.LittleEndian.Uint32(b[12:]),
		},
		Environment: StringList{
			Strings: binary.LittleEndian.Uint32(b[16:]),
			Length:  binary.LittleEndian.Uint32(b[20:]),
		},
	}
}
