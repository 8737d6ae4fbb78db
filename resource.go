package main

import (
	"fmt"
	"log"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"
)

// requiredBufferBytes sums the large allocations one run needs: the page
// buffer, the working buffers of the active mode and one row per output
// beam.
func requiredBufferBytes(geom *Geometry, synthesize bool) uint64 {
	total := uint64(geom.PageSize())
	if geom.Packed {
		total += uint64(NumChannelsLow * NumTimesLow * 4) // downsample grid
		total += uint64(geom.NumBeams * geom.RowSize())
	} else {
		total += uint64(geom.TransposedSize())
		if synthesize {
			total += uint64(geom.BeamSize())
		}
	}
	return total
}

// CheckAvailableMemory verifies that the required buffers fit inside the
// given fraction of the memory the system reports as available. The
// check runs before any large allocation, so an oversized run fails
// cleanly instead of thrashing.
func CheckAvailableMemory(required uint64, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.8
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("WARNING: Cannot read system memory statistics: %v", err)
		return nil
	}
	budget := uint64(float64(vm.Available) * fraction)
	if required > budget {
		return fmt.Errorf("buffers need %d MB but only %d MB is usable (%.0f%% of %d MB available)",
			required>>20, budget>>20, fraction*100, vm.Available>>20)
	}
	if DebugMode {
		log.Printf("DEBUG: Buffers need %d MB of %d MB available", required>>20, vm.Available>>20)
	}
	return nil
}

// LockMemory pins current and future pages into RAM so the page loop
// never stalls on a page fault. Needs CAP_IPC_LOCK or a raised
// RLIMIT_MEMLOCK; failure leaves the process unlocked but running.
func LockMemory() {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Printf("WARNING: Cannot lock process memory: %v", err)
		return
	}
	log.Println("Locked process memory")
}
