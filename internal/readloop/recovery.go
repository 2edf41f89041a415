package readloop

// handleErrorOrShort implements spec §4.6's recovery steps for an error or
// short read on a known-size source (error_mode 0 path) or the immediate
// exit of error_mode 1. It mutates the shared counters in place and tells
// the caller whether to terminate the loop entirely or flip from forward
// to reverse.
func (l *Loop) handleErrorOrShort(
	dir direction,
	bytesThisRead int,
	buf []byte,
	offset uint64,
	batch, sectorSize int,
	consecutiveReadErrors, consecutiveReadErrorRegions *int,
	lastReadShort, everHadValidReverseRead *bool,
	low, high *uint64,
	result *Result,
	hashInvalid *bool,
) (terminate, flipToReverse bool, term recoveryState, err error) {
	if l.cfg.ErrorMode == 1 {
		if bytesThisRead > 0 {
			if werr := l.writeAndAccumulate(offset, buf[:bytesThisRead], result); werr != nil {
				return true, false, recoveryState{}, werr
			}
		}
		return true, false, terminatedState("abort on first error"), nil
	}

	*consecutiveReadErrors++
	if *consecutiveReadErrors <= l.cfg.RetryCount {
		return false, false, retryingState(dir, *consecutiveReadErrors), nil // retry the same region, no position change
	}
	*consecutiveReadErrors = 0

	persistBad := false
	if dir == directionForward {
		persistBad = !*lastReadShort
	} else {
		persistBad = *everHadValidReverseRead
	}

	if persistBad {
		if werr := l.writeMarker(offset, batch, sectorSize); werr != nil {
			return true, false, recoveryState{}, werr
		}
		result.BadSectorsRead += uint64(batch)
		*hashInvalid = true
		l.markHashInvalid()
	}
	*consecutiveReadErrorRegions++

	if *consecutiveReadErrorRegions < l.cfg.RetryCount {
		bump := batch / 2
		if bump < 1 {
			bump = 1
		}
		if dir == directionForward {
			*low += uint64(bump)
			if *low >= *high {
				return true, false, terminatedState("bump inverted the forward window"), nil
			}
		} else {
			if uint64(bump) >= *high-*low {
				return true, false, terminatedState("bump inverted the reverse window"), nil
			}
			*high -= uint64(bump)
		}
		rs := recoveryState{kind: stateForwardRegionGiveUp, regions: *consecutiveReadErrorRegions}
		if dir == directionReverse {
			rs.kind = stateReverseRetrying
		}
		return false, false, rs, nil
	}

	// Region retry budget also exhausted.
	if dir == directionForward {
		return false, true, recoveryState{}, nil // caller flips to reverse
	}
	return true, false, terminatedState("region retry budget exhausted in reverse phase"), nil
}
