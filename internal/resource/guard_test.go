package resource

import (
	"errors"
	"testing"
)

func stubbedGuard(free, rss uint64) *Guard {
	g := NewGuard(0)
	g.statfs = func(string) (uint64, error) { return free, nil }
	g.resident = func() (uint64, error) { return rss, nil }
	return g
}

func TestCheckThresholds(t *testing.T) {
	tests := []struct {
		name    string
		free    uint64
		rss     uint64
		ceiling uint64
		wantErr error
	}{
		{"plenty of headroom", 50 << 30, 200 << 20, 0, nil},
		{"exactly at disk floor", minFreeDiskBytes, 0, 0, nil},
		{"one byte under disk floor", minFreeDiskBytes - 1, 0, 0, ErrLowDisk},
		{"no disk at all", 0, 0, 0, ErrLowDisk},
		{"at memory ceiling", 50 << 30, defaultMemoryCeilingBytes, 0, nil},
		{"over memory ceiling", 50 << 30, defaultMemoryCeilingBytes + 1, 0, ErrHighMemory},
		{"custom ceiling honored", 50 << 30, 600 << 20, 512 << 20, ErrHighMemory},
		{"disk checked before memory", minFreeDiskBytes - 1, 1 << 40, 0, ErrLowDisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := stubbedGuard(tt.free, tt.rss)
			if tt.ceiling != 0 {
				g.memoryCeiling = tt.ceiling
			}
			snap, err := g.Check("/tmp")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check err = %v, want %v", err, tt.wantErr)
			}
			if snap.FreeDiskBytes != tt.free || snap.ResidentMemoryBytes != tt.rss {
				t.Errorf("snapshot = %+v, want free=%d rss=%d", snap, tt.free, tt.rss)
			}
		})
	}
}

func TestCheckStatfsFailure(t *testing.T) {
	g := NewGuard(0)
	g.statfs = func(string) (uint64, error) { return 0, errors.New("no such volume") }
	g.resident = func() (uint64, error) { return 0, nil }
	if _, err := g.Check("/missing"); err == nil {
		t.Fatal("Check succeeded with failing statfs")
	} else if errors.Is(err, ErrLowDisk) || errors.Is(err, ErrHighMemory) {
		t.Fatalf("stat failure misclassified as threshold violation: %v", err)
	}
}

func TestSampleUsesRealProbes(t *testing.T) {
	g := NewGuard(0)
	snap, err := g.Sample(t.TempDir())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.FreeDiskBytes == 0 {
		t.Error("free disk reported as zero on a writable temp dir")
	}
	if snap.ResidentMemoryBytes == 0 {
		t.Error("resident memory reported as zero for a running process")
	}
}
