// Package wav reads and writes WAV/RIFF containers holding linear PCM
// audio. The writer emits the canonical 44-byte header and patches the
// size fields when the recording is finalized. The reader walks the
// chunk list instead of assuming the canonical layout, so files from
// other encoders (extra LIST/INFO chunks, padding) parse correctly.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/btlink/btaudio/internal/audioerr"
)

// HeaderSize is the size of the canonical header written for new
// recordings: RIFF prologue + 16-byte fmt chunk + data chunk header.
const HeaderSize = 44

// formatPCM is the fmt chunk audio format code for linear PCM.
const formatPCM = 1

// Info describes the PCM payload of a parsed container.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int64
	DataSize      int64
}

// ByteRate returns the number of PCM bytes per second of audio.
func (i Info) ByteRate() int {
	return i.SampleRate * i.Channels * i.BitsPerSample / 8
}

// Writer appends PCM data to a WAV file. The header is written up
// front with zero sizes so that a crash mid-recording leaves a
// structurally valid, zero-length-data file. Finalize patches the real
// sizes in.
type Writer struct {
	f             *os.File
	sampleRate    int
	channels      int
	bitsPerSample int
	dataBytes     int64
	finalized     bool
}

// Create opens path for writing and lays down a provisional header.
func Create(path string, sampleRate, channels, bitsPerSample int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %q: %v", audioerr.ErrIO, path, err)
	}

	w := &Writer{
		f:             f,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bitsPerSample,
	}
	if err := w.writeHeader(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// writeHeader writes the canonical header at offset 0 for the given
// payload size.
func (w *Writer) writeHeader(dataBytes int64) error {
	blockAlign := w.channels * w.bitsPerSample / 8
	byteRate := w.sampleRate * blockAlign

	var hdr [HeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(HeaderSize-8+dataBytes))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], formatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(w.bitsPerSample))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataBytes))

	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: write header: %v", audioerr.ErrIO, err)
	}
	return nil
}

// Write appends raw PCM bytes after the header.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, HeaderSize+w.dataBytes)
	w.dataBytes += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write pcm: %v", audioerr.ErrIO, err)
	}
	return n, nil
}

// BytesWritten returns the number of PCM payload bytes written so far.
func (w *Writer) BytesWritten() int64 {
	return w.dataBytes
}

// Finalize patches the header with the final payload size, flushes and
// closes the file. It is safe to call more than once; later calls are
// no-ops.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	hdrErr := w.writeHeader(w.dataBytes)
	syncErr := w.f.Sync()
	closeErr := w.f.Close()

	if hdrErr != nil {
		return hdrErr
	}
	if syncErr != nil {
		return fmt.Errorf("%w: sync: %v", audioerr.ErrIO, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", audioerr.ErrIO, closeErr)
	}
	return nil
}

// ReadInfo walks the chunk list of the container in r and returns the
// location and format of its PCM payload. size is the total length of
// the underlying file; the declared data size is clamped to it so a
// truncated recording degrades to the bytes actually present.
func ReadInfo(r io.ReaderAt, size int64) (Info, error) {
	var prologue [12]byte
	if _, err := r.ReadAt(prologue[:], 0); err != nil {
		return Info{}, fmt.Errorf("%w: short prologue", audioerr.ErrCorruptContainer)
	}
	if string(prologue[0:4]) != "RIFF" || string(prologue[8:12]) != "WAVE" {
		return Info{}, fmt.Errorf("%w: not a RIFF/WAVE file", audioerr.ErrCorruptContainer)
	}

	var info Info
	var haveFmt bool

	// Iterate (id, size) chunk headers. Chunk bodies are padded to
	// even offsets; the pad byte is not included in the declared size.
	offset := int64(len(prologue))
	for offset+8 <= size {
		var chunkHdr [8]byte
		if _, err := r.ReadAt(chunkHdr[:], offset); err != nil {
			return Info{}, fmt.Errorf("%w: chunk header at %d", audioerr.ErrCorruptContainer, offset)
		}
		id := string(chunkHdr[0:4])
		declared := int64(binary.LittleEndian.Uint32(chunkHdr[4:8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if declared < 16 || body+16 > size {
				return Info{}, fmt.Errorf("%w: fmt chunk too short", audioerr.ErrCorruptContainer)
			}
			var fmtBody [16]byte
			if _, err := r.ReadAt(fmtBody[:], body); err != nil {
				return Info{}, fmt.Errorf("%w: fmt chunk read", audioerr.ErrCorruptContainer)
			}
			audioFormat := binary.LittleEndian.Uint16(fmtBody[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(fmtBody[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtBody[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtBody[14:16]))
			if audioFormat != formatPCM {
				return Info{}, fmt.Errorf("%w: audio format code %d", audioerr.ErrUnsupportedFormat, audioFormat)
			}
			if info.Channels != 1 && info.Channels != 2 {
				return Info{}, fmt.Errorf("%w: %d channels", audioerr.ErrUnsupportedFormat, info.Channels)
			}
			if info.BitsPerSample != 16 {
				return Info{}, fmt.Errorf("%w: %d bits per sample", audioerr.ErrUnsupportedFormat, info.BitsPerSample)
			}
			if info.SampleRate <= 0 {
				return Info{}, fmt.Errorf("%w: sample rate %d", audioerr.ErrCorruptContainer, info.SampleRate)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Info{}, fmt.Errorf("%w: data chunk before fmt", audioerr.ErrCorruptContainer)
			}
			info.DataOffset = body
			// Clamp the declared size to what the file holds.
			avail := size - body
			if avail < 0 {
				avail = 0
			}
			info.DataSize = declared
			if info.DataSize > avail {
				info.DataSize = avail
			}
			if info.DataSize < 2 {
				return Info{}, fmt.Errorf("%w: %d bytes of pcm data", audioerr.ErrCorruptContainer, info.DataSize)
			}
			return info, nil
		}

		// Skip to the next chunk, honoring the pad byte.
		offset = body + declared
		if declared%2 == 1 {
			offset++
		}
		if offset <= body {
			// Corrupt size field would loop forever.
			return Info{}, fmt.Errorf("%w: chunk size overflow", audioerr.ErrCorruptContainer)
		}
	}

	if !haveFmt {
		return Info{}, fmt.Errorf("%w: missing fmt chunk", audioerr.ErrCorruptContainer)
	}
	return Info{}, fmt.Errorf("%w: missing data chunk", audioerr.ErrCorruptContainer)
}

// ReadInfoFile opens path and parses its container info.
func ReadInfoFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: open %q: %v", audioerr.ErrIO, path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("%w: stat %q: %v", audioerr.ErrIO, path, err)
	}
	return ReadInfo(f, st.Size())
}
