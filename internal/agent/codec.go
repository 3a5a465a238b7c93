package agent

import (
	"github.com/fxamacker/cbor/v2"
)

// blockRequest asks the streaming service for a window of file blocks.
type blockRequest struct {
	ClientToken string `cbor:"c"`
	FileID      int    `cbor:"f"`
	BlockSize   int    `cbor:"l"`
	Offset      int    `cbor:"o"`
	NumBlocks   int    `cbor:"n"`
}

// blockResponse is one file block delivered on the stream data topic.
type blockResponse struct {
	FileID    int    `cbor:"f"`
	BlockID   int    `cbor:"i"`
	BlockSize int    `cbor:"l"`
	Payload   []byte `cbor:"p"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Requests are compared byte for byte in tests; deterministic encoding keeps
	// map keys sorted.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("agent: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("agent: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeBlockRequest(req blockRequest) ([]byte, error) {
	return encMode.Marshal(req)
}

func decodeBlock(data []byte) (blockResponse, error) {
	var blk blockResponse
	err := decMode.Unmarshal(data, &blk)
	return blk, err
}
