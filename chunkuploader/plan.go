package chunkuploader

import "fmt"

// UploadPlan splits a file into chunks. It is immutable once computed.
type UploadPlan struct {
	FileSize   int64
	ChunkSize  int64
	ChunkCount int
}

// ChunkDescriptor is the byte range of one chunk.
type ChunkDescriptor struct {
	Index   int
	Offset  int64
	Length  int64
	IsFinal bool
}

// ComputeChunkPlan returns the chunk plan of a file. An empty file still has one (empty, final) chunk.
func ComputeChunkPlan(fileSize, chunkSize int64) (UploadPlan, error) {
	if chunkSize <= 0 {
		return UploadPlan{}, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, chunkSize)
	}
	if fileSize < 0 {
		return UploadPlan{}, fmt.Errorf("%w: file size must not be negative, got %d", ErrInvalidConfiguration, fileSize)
	}

	count := (fileSize + chunkSize - 1) / chunkSize
	if count < 1 {
		count = 1
	}

	return UploadPlan{
		FileSize:   fileSize,
		ChunkSize:  chunkSize,
		ChunkCount: int(count),
	}, nil
}

// Chunk returns the descriptor of the chunk at the given index.
func (p UploadPlan) Chunk(index int) ChunkDescriptor {
	offset := int64(index) * p.ChunkSize
	length := p.ChunkSize
	if remaining := p.FileSize - offset; remaining < length {
		length = remaining
	}
	if length < 0 {
		length = 0
	}

	return ChunkDescriptor{
		Index:   index,
		Offset:  offset,
		Length:  length,
		IsFinal: offset+length == p.FileSize,
	}
}

// Chunks returns every chunk descriptor of the plan in index order.
func (p UploadPlan) Chunks() []ChunkDescriptor {
	chunks := make([]ChunkDescriptor, p.ChunkCount)
	for i := range chunks {
		chunks[i] = p.Chunk(i)
	}
	return chunks
}
