package classifier

import "testing"

func TestClassifierWholeSectors(t *testing.T) {
	testCases := []struct {
		name       string
		sectorSize int
		buf        []byte
		wantBlank  int
	}{
		{
			name:       "TwoBlankSectors",
			sectorSize: 4,
			buf:        make([]byte, 8),
			wantBlank:  2,
		},
		{
			name:       "OneBlankOneDirty",
			sectorSize: 4,
			buf:        []byte{0, 0, 0, 0, 1, 0, 0, 0},
			wantBlank:  1,
		},
		{
			name:       "NoBlank",
			sectorSize: 4,
			buf:        []byte{1, 0, 0, 0, 0, 1, 0, 0},
			wantBlank:  0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.sectorSize)
			got := c.Feed(tc.buf)
			if got != tc.wantBlank {
				t.Fatalf("blank count = %d, want %d", got, tc.wantBlank)
			}
		})
	}
}

func TestClassifierPartialSectorAcrossCalls(t *testing.T) {
	c := New(8)

	// First half of a blank sector, then the rest in a later call.
	got := c.Feed([]byte{0, 0, 0, 0})
	if got != 0 {
		t.Fatalf("first call blank = %d, want 0 (sector incomplete)", got)
	}

	got = c.Feed([]byte{0, 0, 0, 0})
	if got != 1 {
		t.Fatalf("second call blank = %d, want 1", got)
	}
}

func TestClassifierPartialSectorNonBlank(t *testing.T) {
	c := New(8)

	c.Feed([]byte{0, 0, 1, 0}) // nonzero byte in the first half
	got := c.Feed([]byte{0, 0, 0, 0})
	if got != 0 {
		t.Fatalf("blank = %d, want 0 (sector was not all zero)", got)
	}
}

func TestClassifierInvariantSectorCount(t *testing.T) {
	c := New(4)
	total := 0
	chunks := [][]byte{
		{0, 0},                // 2 bytes into first sector
		{0, 0, 0, 0, 0, 0},     // completes sector 0 (blank), then sector 1 (blank)
		{1, 1, 1, 1},           // sector 2, dirty
	}
	for _, chunk := range chunks {
		total += c.Feed(chunk)
	}
	if total != 2 {
		t.Fatalf("total blank = %d, want 2", total)
	}
}
