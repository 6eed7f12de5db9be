package kcp

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
)

const (
	fecHeaderSize      = 6 // seqid(4) + flag(2)
	fecHeaderSizePlus2 = fecHeaderSize + 2

	typeData uint16 = 0xf1
	typeFEC  uint16 = 0xf2

	fecExpire uint32 = 30000 // ms; stale rx entries are garbage-collected
)

// fecPacket is one shard as it sits in the reception window: the
// parsed seqid/flag, its payload as received (zero-padded to the
// block's common length only when a reconstruction runs) and the
// local arrival time used for expiry.
type fecPacket struct {
	seqid uint32
	flag  uint16
	data  []byte
	ts    uint32
}

// FEC is a block-based Reed-Solomon shim: every k+m consecutively
// marked datagrams form one block, the first k carrying real data
// and the last m carrying parity. It recovers lost data shards
// without waiting on the ARQ engine's own retransmission timers.
//
// FEC is not safe for concurrent use, matching the single-threaded
// contract of the ARQ engine it rides alongside.
type FEC struct {
	rx      []fecPacket // ordered ascending by seqid
	rxlimit int
	k, m    int
	total   int
	next    uint32
	paws    uint32
	enc     reedsolomon.Encoder

	lastCheck uint32
}

// NewFEC constructs a shim for dataShards data shards and
// parityShards parity shards per block, retaining at most rxlimit
// unresolved shards in its reception window.
func NewFEC(rxlimit, dataShards, parityShards int) (*FEC, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, ErrInvalidFECParams
	}
	if rxlimit < dataShards+parityShards {
		rxlimit = dataShards + parityShards
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	total := dataShards + parityShards
	return &FEC{
		rxlimit: rxlimit,
		k:       dataShards,
		m:       parityShards,
		total:   total,
		enc:     enc,
		paws:    (0xffffffff/uint32(total) - 1) * uint32(total),
	}, nil
}

// markData stamps buf's 6-byte FEC header for a DATA shard and, at
// payload offset 0, the 2-byte length of dataLen including the
// length word itself - the padding this enables is undone on decode.
func (f *FEC) markData(buf []byte, dataLen int) {
	binary.LittleEndian.PutUint32(buf, f.next)
	f.next++
	binary.LittleEndian.PutUint16(buf[4:], typeData)
	binary.LittleEndian.PutUint16(buf[fecHeaderSize:], uint16(dataLen+2))
}

// markFEC stamps buf's 6-byte FEC header for a parity shard. next
// wraps to 0 once it would reach paws, so a seqid never crosses a
// uint32 boundary mid-block.
func (f *FEC) markFEC(buf []byte) {
	binary.LittleEndian.PutUint32(buf, f.next)
	f.next++
	binary.LittleEndian.PutUint16(buf[4:], typeFEC)
	if f.next >= f.paws {
		f.next = 0
	}
}

// decodeFECPacket parses a raw inbound datagram's FEC header, leaving the
// payload as a freshly copied slice so the caller's read buffer can
// be reused immediately. now is the local arrival timestamp.
func decodeFECPacket(data []byte, now uint32) fecPacket {
	pkt := fecPacket{
		seqid: binary.LittleEndian.Uint32(data),
		flag:  binary.LittleEndian.Uint16(data[4:]),
		ts:    now,
	}
	pkt.data = append([]byte(nil), data[fecHeaderSize:]...)
	return pkt
}

// Input admits one inbound FEC-tagged datagram into the reception
// window and, if doing so completes or fills a recoverable block,
// returns the reconstructed data shards (length-unpadded to their
// original size). An empty return means nothing new is ready yet.
func (f *FEC) Input(data []byte, now uint32) [][]byte {
	pkt := decodeFECPacket(data, now)

	if now-f.lastCheck >= fecExpire {
		kept := f.rx[:0]
		for _, p := range f.rx {
			if now-p.ts <= fecExpire {
				kept = append(kept, p)
			}
		}
		f.rx = kept
		f.lastCheck = now
	}

	insertIdx := len(f.rx)
	if len(f.rx) > 0 {
		for i := len(f.rx) - 1; i >= 0; i-- {
			if pkt.seqid == f.rx[i].seqid {
				return nil // duplicate shard: ARQ retransmission can resend under FEC too
			}
			if pkt.seqid > f.rx[i].seqid {
				insertIdx = i + 1
				break
			}
			insertIdx = i
		}
	} else {
		insertIdx = 0
	}
	f.rx = append(f.rx, fecPacket{})
	copy(f.rx[insertIdx+1:], f.rx[insertIdx:])
	f.rx[insertIdx] = pkt

	shardBegin := pkt.seqid - pkt.seqid%uint32(f.total)
	shardEnd := shardBegin + uint32(f.total) - 1

	searchBegin := insertIdx - int(pkt.seqid%uint32(f.total))
	searchBegin = maxInt(searchBegin, 0)
	searchEnd := searchBegin + f.total - 1
	searchEnd = minInt(searchEnd, len(f.rx)-1)

	var recovered [][]byte

	if searchEnd > searchBegin && searchEnd-searchBegin+1 >= f.k {
		numshard := 0
		numDataShard := 0
		first := -1
		maxlen := 0

		shardVec := make([][]byte, f.total)
		shardFlag := make([]bool, f.total)

		for i := searchBegin; i <= searchEnd; i++ {
			seqid := f.rx[i].seqid
			if seqid > shardEnd {
				break
			}
			if seqid >= shardBegin {
				idx := seqid % uint32(f.total)
				shardVec[idx] = f.rx[i].data
				shardFlag[idx] = true
				numshard++
				if f.rx[i].flag == typeData {
					numDataShard++
				}
				if numshard == 1 {
					first = i
				}
				if len(f.rx[i].data) > maxlen {
					maxlen = len(f.rx[i].data)
				}
			}
		}

		if numDataShard == f.k {
			// every data shard arrived; nothing to reconstruct.
			f.rx = append(f.rx[:first], f.rx[first+numshard:]...)
		} else if numshard >= f.k {
			for i := range shardVec {
				if shardVec[i] != nil {
					padded := make([]byte, maxlen)
					copy(padded, shardVec[i])
					shardVec[i] = padded
				}
			}
			if err := f.enc.Reconstruct(shardVec); err == nil {
				for i := 0; i < f.k; i++ {
					if !shardFlag[i] {
						recovered = append(recovered, unpadDataShard(shardVec[i]))
					}
				}
			}
			f.rx = append(f.rx[:first], f.rx[first+numshard:]...)
		}
	}

	if len(f.rx) > f.rxlimit {
		f.rx = f.rx[1:]
	}

	return recovered
}

// unpadDataShard strips the 2-byte length-including-self prefix a
// data shard was marked with, discarding the zero padding applied
// for RS encoding.
func unpadDataShard(shard []byte) []byte {
	if len(shard) < 2 {
		return nil
	}
	n := binary.LittleEndian.Uint16(shard)
	if int(n) > len(shard) || n < 2 {
		return nil
	}
	return shard[2:n]
}

// Encode pads shards[0:k] to a common max length, allocates
// zero-filled parity shards for shards[k:k+m], and computes parity
// in place. Callers are expected to have already length-prefixed
// each data shard via markData's 2-byte convention before padding.
func (f *FEC) Encode(shards [][]byte) error {
	max := 0
	for i := 0; i < f.k; i++ {
		if len(shards[i]) > max {
			max = len(shards[i])
		}
	}
	for i := range shards {
		if shards[i] == nil {
			shards[i] = make([]byte, max)
		} else if len(shards[i]) < max {
			padded := make([]byte, max)
			copy(padded, shards[i])
			shards[i] = padded
		}
	}
	return f.enc.Encode(shards)
}

// DataShards reports the number of data shards per block (k).
func (f *FEC) DataShards() int { return f.k }

// ParityShards reports the number of parity shards per block (m).
func (f *FEC) ParityShards() int { return f.m }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
