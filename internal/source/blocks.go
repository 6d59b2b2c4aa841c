package source

import "fmt"

// BlocksToQuery returns ascending sample heights covering the segmentsBack blocks
// before end, one every period blocks. The last sample is always end.
func BlocksToQuery(end, period, segmentsBack int64) ([]int64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %d", period)
	}
	if segmentsBack <= 0 {
		return nil, fmt.Errorf("segments back must be positive, got %d", segmentsBack)
	}
	if segmentsBack >= end {
		return nil, fmt.Errorf("cannot go %d blocks back from block %d", segmentsBack, end)
	}

	start := end - segmentsBack
	blocks := make([]int64, 0, segmentsBack/period+2)
	for b := start; b < end; b += period {
		blocks = append(blocks, b)
	}
	return append(blocks, end), nil
}
