package idrange

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestFromObjectIDRoundTripsThroughToObjectID(t *testing.T) {
	id := primitive.NewObjectID()
	n := FromObjectID(id)
	require.Equal(t, id, ToObjectID(n))
}

func TestBuildCoversSpanWithNoGapAndNoOverlap(t *testing.T) {
	min := big.NewInt(0)
	max := big.NewInt(999)
	ranges := Build(min, max, 4)

	require.Len(t, ranges, 4)
	require.Equal(t, min, ranges[0].Start)
	for i := 0; i < len(ranges)-1; i++ {
		require.False(t, ranges[i].Open, "only the last range may be open")
		require.Equal(t, ranges[i].End, ranges[i+1].Start, "range %d must abut range %d with no gap", i, i+1)
	}
	require.True(t, ranges[len(ranges)-1].Open)
}

func TestBuildSingleChunkCoversEverything(t *testing.T) {
	ranges := Build(big.NewInt(5), big.NewInt(100), 1)
	require.Len(t, ranges, 1)
	require.True(t, ranges[0].Open)
	require.Equal(t, big.NewInt(5), ranges[0].Start)
}

func TestBuildEmptyWhenMaxBelowMin(t *testing.T) {
	require.Nil(t, Build(big.NewInt(10), big.NewInt(5), 4))
}

func TestBuildMoreChunksThanSpanStillCoversEverythingWithNoOverlap(t *testing.T) {
	ranges := Build(big.NewInt(0), big.NewInt(2), 10)
	require.Len(t, ranges, 10)
	require.True(t, ranges[len(ranges)-1].Open)
	for i := 0; i < len(ranges)-1; i++ {
		if ranges[i].End != nil {
			require.Equal(t, ranges[i].End, ranges[i+1].Start)
		}
	}
}

func TestToObjectIDMasksOverflowToLow96Bits(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	id := ToObjectID(huge)
	require.Equal(t, primitive.NilObjectID, id)
}
