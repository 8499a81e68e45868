package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashBuild(seq uint32) (*Candidate, error) {
	h := sha256.Sum256([]byte{byte(seq), byte(seq >> 8), byte(seq >> 16), byte(seq >> 24)})
	return &Candidate{Sequence: seq, CommitTxid: hex.EncodeToString(h[:])}, nil
}

func mustSpec(t *testing.T, s string) *bitwork.Spec {
	spec, err := bitwork.Parse(s, true)
	require.NoError(t, err)
	return spec
}

func TestSearch_EasyTarget(t *testing.T) {
	c := NewCoordinator(Options{Workers: 4, SequenceSpace: 1000})
	spec := mustSpec(t, "0")

	cand, err := c.Search(context.Background(), spec, hashBuild)
	require.NoError(t, err)
	assert.True(t, spec.Satisfies(cand.CommitTxid))
	assert.Equal(t, 0, c.Running())
	assert.LessOrEqual(t, c.Tried(), c.Total())

	again, err := hashBuild(cand.Sequence)
	require.NoError(t, err)
	assert.Equal(t, again.CommitTxid, cand.CommitTxid)
}

func TestSearch_FinishOnlyForWinner(t *testing.T) {
	var finished atomic.Int32
	spec := mustSpec(t, "00")
	cand, err := Search(context.Background(), spec, hashBuild, Options{
		Workers:       3,
		SequenceSpace: 20000,
		Finish: func(c *Candidate) error {
			finished.Add(1)
			c.RevealTxHex = "reveal:" + c.CommitTxid
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), finished.Load())
	assert.Equal(t, "reveal:"+cand.CommitTxid, cand.RevealTxHex)
}

func TestSearch_Exhausted(t *testing.T) {
	build := func(seq uint32) (*Candidate, error) {
		return &Candidate{Sequence: seq, CommitTxid: strings.Repeat("0", 64)}, nil
	}
	c := NewCoordinator(Options{Workers: 3, SequenceSpace: 50})

	_, err := c.Search(context.Background(), mustSpec(t, "f"), build)
	assert.ErrorIs(t, err, common.ErrSearchExhausted)
	assert.Equal(t, uint64(150), c.Tried())
	assert.Equal(t, 0, c.Running())
}

func TestSearch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	build := func(seq uint32) (*Candidate, error) {
		if calls.Add(1) == 10 {
			cancel()
		}
		return &Candidate{Sequence: seq, CommitTxid: strings.Repeat("0", 64)}, nil
	}
	c := NewCoordinator(Options{Workers: 2, SequenceSpace: 1 << 30})

	_, err := c.Search(ctx, mustSpec(t, "f"), build)
	assert.ErrorIs(t, err, common.ErrSearchCancelled)
	assert.Equal(t, 0, c.Running())
	assert.Less(t, c.Tried(), c.Total())
}

func TestSearch_BuildError(t *testing.T) {
	boom := errors.New("boom")
	build := func(seq uint32) (*Candidate, error) {
		if seq == 7 {
			return nil, boom
		}
		return &Candidate{Sequence: seq, CommitTxid: strings.Repeat("0", 64)}, nil
	}
	_, err := Search(context.Background(), mustSpec(t, "f"), build, Options{Workers: 1, SequenceSpace: 100})
	assert.ErrorIs(t, err, boom)
}

func TestSearch_SpaceTooLarge(t *testing.T) {
	_, err := Search(context.Background(), mustSpec(t, "0"), hashBuild, Options{Workers: 2, SequenceSpace: MaxSequence})
	assert.ErrorIs(t, err, common.ErrInvalidParams)
}

func TestSearch_Progress(t *testing.T) {
	progress := make(chan Progress, 100)
	build := func(seq uint32) (*Candidate, error) {
		return &Candidate{Sequence: seq, CommitTxid: strings.Repeat("0", 64)}, nil
	}
	_, err := Search(context.Background(), mustSpec(t, "f"), build, Options{
		Workers:        1,
		SequenceSpace:  10,
		ReportInterval: 2,
		Progress:       progress,
	})
	require.ErrorIs(t, err, common.ErrSearchExhausted)
	close(progress)

	last := uint64(0)
	n := 0
	for p := range progress {
		assert.Greater(t, p.Done, last)
		assert.Equal(t, uint64(10), p.Total)
		last = p.Done
		n++
	}
	assert.Equal(t, 5, n)
}

func TestNewCoordinator_Defaults(t *testing.T) {
	c := NewCoordinator(Options{Workers: 4})
	assert.Equal(t, MaxSequence+1, c.Total())
}
