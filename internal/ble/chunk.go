package ble

// DefaultWriteChunk is the usable payload of one GATT write at the default
// ATT MTU of 23 bytes.
const DefaultWriteChunk = 20

// ChunkBytes splits data into pieces of at most max bytes. It prefers to
// split right after a carriage return so a command line is not torn across
// writes when it can be avoided. Returns nil for empty data.
func ChunkBytes(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if max <= 0 {
		max = DefaultWriteChunk
	}
	if len(data) <= max {
		return [][]byte{data}
	}

	var chunks [][]byte
	for len(data) > 0 {
		if len(data) <= max {
			chunks = append(chunks, data)
			break
		}

		split := max
		for i := max; i > 0; i-- {
			if data[i-1] == '\r' {
				split = i
				break
			}
		}
		chunks = append(chunks, data[:split])
		data = data[split:]
	}
	return chunks
}
