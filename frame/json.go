package frame

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// PrintDetailedMap writes a JSON description of every managed region and
// every free run to the provided writer. This walks the whole structure and
// is meant for diagnostics, not for the allocation path.
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalFrames").Int(a.totalFrames)
	objState.Name("FreeFrames").Int(a.freeFrames)

	regionArray := objState.Name("Regions").Array()
	for _, region := range a.regions {
		regionObj := regionArray.Object()
		regionObj.Name("FirstAddress").Int(int(region.firstFrame.Address()))
		regionObj.Name("Frames").Int(region.frameCount)
		regionObj.Name("FreeFrames").Int(region.freeCount)
		regionObj.End()
	}
	regionArray.End()

	runs := make([]*freeRun, 0, a.runs.edges.Count())
	for order := 0; order <= maxOrder; order++ {
		for run := a.runs.freeLists[order]; run != nil; run = run.nextFree {
			runs = append(runs, run)
		}
	}
	slices.SortFunc(runs, func(a, b *freeRun) bool {
		return a.first < b.first
	})

	runArray := objState.Name("FreeRuns").Array()
	for _, run := range runs {
		runObj := runArray.Object()
		runObj.Name("FirstAddress").Int(int(run.first.Address()))
		runObj.Name("Frames").Int(run.count)
		runObj.End()
	}
	runArray.End()
}
