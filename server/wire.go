package server

import (
	"encoding/binary"
	"hash/crc32"
)

// DataHeaderMagic identifies a well-formed on-disk/wire header
// (spec.md §6).
const DataHeaderMagic uint64 = 0x21fdffdba8d68fc6

// DataHeaderVersion is the only version this implementation writes or
// accepts.
const DataHeaderVersion uint8 = 0x01

// Device/data block geometry constants (spec.md §6).
const (
	DeviceBlockAlign = 512
	DataBlockSize    = 1024
	MaxHashLen       = 32
)

// MsgType enumerates the proposal message types that flow through the
// Replication Port (spec.md §6).
type MsgType uint8

const (
	MsgCreatePG MsgType = iota + 1
	MsgCreateShard
	MsgSealShard
	MsgPutBlob
	MsgDelBlob
)

func (t MsgType) String() string {
	switch t {
	case MsgCreatePG:
		return "CREATE_PG"
	case MsgCreateShard:
		return "CREATE_SHARD"
	case MsgSealShard:
		return "SEAL_SHARD"
	case MsgPutBlob:
		return "PUT_BLOB"
	case MsgDelBlob:
		return "DEL_BLOB"
	default:
		return "UNKNOWN_MSG"
	}
}

// MsgHeaderSize is the fixed, serialised size of MsgHeader.
const MsgHeaderSize = 8 + 1 + 4 + 4 // magic + msg_type + payload_size + payload_crc

// MsgHeader is the fixed wire header prefixing every proposal payload
// (spec.md §6): msg_type, payload_size, payload_crc (CRC-32/IEEE over
// the payload), and a magic/seal field.
type MsgHeader struct {
	Magic       uint64
	MsgType     MsgType
	PayloadSize uint32
	PayloadCRC  uint32
}

// NewMsgHeader builds a header for payload, computing its CRC.
func NewMsgHeader(t MsgType, payload []byte) MsgHeader {
	return MsgHeader{
		Magic:       DataHeaderMagic,
		MsgType:     t,
		PayloadSize: uint32(len(payload)),
		PayloadCRC:  crc32.ChecksumIEEE(payload),
	}
}

// Encode serialises the header, little-endian, fixed size.
func (h MsgHeader) Encode() []byte {
	buf := make([]byte, MsgHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	buf[8] = byte(h.MsgType)
	binary.LittleEndian.PutUint32(buf[9:13], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[13:17], h.PayloadCRC)
	return buf
}

// DecodeMsgHeader parses a fixed-size header from buf.
func DecodeMsgHeader(buf []byte) (MsgHeader, bool) {
	if len(buf) < MsgHeaderSize {
		return MsgHeader{}, false
	}
	h := MsgHeader{
		Magic:       binary.LittleEndian.Uint64(buf[0:8]),
		MsgType:     MsgType(buf[8]),
		PayloadSize: binary.LittleEndian.Uint32(buf[9:13]),
		PayloadCRC:  binary.LittleEndian.Uint32(buf[13:17]),
	}
	return h, true
}

// Corrupted reports whether the header's magic is wrong or its CRC
// does not match payload.
func (h MsgHeader) Corrupted(payload []byte) bool {
	if h.Magic != DataHeaderMagic {
		return true
	}
	if h.PayloadSize != uint32(len(payload)) {
		return true
	}
	return h.PayloadCRC != crc32.ChecksumIEEE(payload)
}

// HashAlgo enumerates the payload-hash algorithms a BlobHeader may
// carry (spec.md §3).
type HashAlgo uint8

const (
	HashNone HashAlgo = iota
	HashCRC32
	HashMD5
	HashSHA1
)

// DataHeader is the common typed-record prefix for superblocks
// (spec.md §3): magic, version, and a record type discriminator.
type DataHeader struct {
	Magic   uint64
	Version uint8
	Type    SuperblockType
}

const DataHeaderSize = 8 + 1 + 1

func (h DataHeader) Encode() []byte {
	buf := make([]byte, DataHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	buf[8] = h.Version
	buf[9] = byte(h.Type)
	return buf
}

func DecodeDataHeader(buf []byte) (DataHeader, bool) {
	if len(buf) < DataHeaderSize {
		return DataHeader{}, false
	}
	return DataHeader{
		Magic:   binary.LittleEndian.Uint64(buf[0:8]),
		Version: buf[8],
		Type:    SuperblockType(buf[9]),
	}, true
}

func (h DataHeader) Valid() bool {
	return h.Magic == DataHeaderMagic && h.Version == DataHeaderVersion
}

// SuperblockType discriminates the two typed records the Superblock
// Store persists.
type SuperblockType uint8

const (
	SuperblockPG SuperblockType = iota + 1
	SuperblockShard
)

// BlobHeaderSize is the fixed, serialised size of BlobHeader.
const BlobHeaderSize = DataHeaderSize + 1 + 8 + 8 + 4 + 4 + 8 + 8 + MaxHashLen + 1

// BlobHeader prefixes every persisted blob payload on disk
// (spec.md §3): `BlobHeader || user_key || blob_bytes || padding`.
type BlobHeader struct {
	DataHeader
	HashAlgo     HashAlgo
	ShardID      ShardID
	BlobID       BlobID
	BlobSize     uint32
	UserKeySize  uint32
	ObjectOffset uint64
	DataOffset   uint64
	Hash         [MaxHashLen]byte
	HashLen      uint8
}

// Encode serialises a BlobHeader to its fixed-size wire form.
func (h BlobHeader) Encode() []byte {
	buf := make([]byte, BlobHeaderSize)
	copy(buf[0:DataHeaderSize], h.DataHeader.Encode())
	o := DataHeaderSize
	buf[o] = byte(h.HashAlgo)
	o++
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(h.ShardID))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(h.BlobID))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], h.BlobSize)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], h.UserKeySize)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], h.ObjectOffset)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], h.DataOffset)
	o += 8
	copy(buf[o:o+MaxHashLen], h.Hash[:])
	o += MaxHashLen
	buf[o] = h.HashLen
	return buf
}

// DecodeBlobHeader parses a fixed-size BlobHeader from buf.
func DecodeBlobHeader(buf []byte) (BlobHeader, bool) {
	if len(buf) < BlobHeaderSize {
		return BlobHeader{}, false
	}
	dh, ok := DecodeDataHeader(buf[0:DataHeaderSize])
	if !ok {
		return BlobHeader{}, false
	}
	h := BlobHeader{DataHeader: dh}
	o := DataHeaderSize
	h.HashAlgo = HashAlgo(buf[o])
	o++
	h.ShardID = ShardID(binary.LittleEndian.Uint64(buf[o : o+8]))
	o += 8
	h.BlobID = BlobID(binary.LittleEndian.Uint64(buf[o : o+8]))
	o += 8
	h.BlobSize = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	h.UserKeySize = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	h.ObjectOffset = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	h.DataOffset = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	copy(h.Hash[:], buf[o:o+MaxHashLen])
	o += MaxHashLen
	h.HashLen = buf[o]
	return h, true
}

// AlignUp rounds size up to the next multiple of align.
func AlignUp(size, align uint64) uint64 {
	if align == 0 {
		return size
	}
	rem := size % align
	if rem == 0 {
		return size
	}
	return size + (align - rem)
}
