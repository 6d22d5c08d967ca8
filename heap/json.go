package heap

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// PrintDetailedMap writes a JSON description of every block in the arena to
// the provided writer. Diagnostics only; it walks the whole chain.
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(a.size)
	objState.Name("FreeBytes").Int(a.freeBytes)
	objState.Name("Allocations").Int(a.allocated.Count())

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	for block := a.head; block != nil; block = block.nextPhys {
		obj := arrayState.Object()
		obj.Name("Offset").Int(block.offset)
		obj.Name("Size").Int(block.size)
		if block.IsFree() {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocated")
		}
		obj.End()
	}
}
