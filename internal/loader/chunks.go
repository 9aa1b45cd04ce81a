package loader

// Chunk is one buffer-write unit at an explicit byte offset.
type Chunk struct {
	Offset uint32
	Data   []byte
}

// ChunkPlan splits program into write chunks of at most limit bytes, in
// strictly increasing offset order. The slices alias program.
func ChunkPlan(program []byte, limit int) []Chunk {
	if limit <= 0 || len(program) == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (len(program)+limit-1)/limit)
	for off := 0; off < len(program); off += limit {
		end := off + limit
		if end > len(program) {
			end = len(program)
		}
		chunks = append(chunks, Chunk{Offset: uint32(off), Data: program[off:end]})
	}
	return chunks
}
