package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMsgHeaderRoundTrip(t *testing.T) {
	payload := []byte("create-pg-payload")
	h := NewMsgHeader(MsgCreatePG, payload)
	buf := h.Encode()
	require.Len(t, buf, MsgHeaderSize)

	decoded, ok := DecodeMsgHeader(buf)
	require.True(t, ok)
	require.Equal(t, h, decoded)
	require.False(t, decoded.Corrupted(payload))
	require.True(t, decoded.Corrupted([]byte("tampered")))
}

func TestBlobHeaderRoundTrip(t *testing.T) {
	h := BlobHeader{
		DataHeader:   DataHeader{Magic: DataHeaderMagic, Version: DataHeaderVersion},
		HashAlgo:     HashCRC32,
		ShardID:      NewShardID(3, 7),
		BlobID:       42,
		BlobSize:     1024,
		UserKeySize:  8,
		ObjectOffset: 0,
		DataOffset:   uint64(BlobHeaderSize + 8),
		HashLen:      4,
	}
	buf := h.Encode()
	require.Len(t, buf, BlobHeaderSize)

	decoded, ok := DecodeBlobHeader(buf)
	require.True(t, ok)
	require.Equal(t, h.ShardID, decoded.ShardID)
	require.Equal(t, h.BlobID, decoded.BlobID)
	require.Equal(t, h.BlobSize, decoded.BlobSize)
	require.Equal(t, h.HashAlgo, decoded.HashAlgo)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(512), AlignUp(1, 512))
	require.Equal(t, uint64(512), AlignUp(512, 512))
	require.Equal(t, uint64(1024), AlignUp(513, 512))
	require.Equal(t, uint64(0), AlignUp(0, 512))
}

func TestShardIDPacksPGID(t *testing.T) {
	id := NewShardID(PGID(9), 123)
	require.Equal(t, PGID(9), id.PGID())
	require.Equal(t, uint64(123), id.Seq())
}
