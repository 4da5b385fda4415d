package uploads

import (
	"bytes"
	"strings"
)

// sniffLimit is how many leading bytes are retained for magic verification.
const sniffLimit = 512

// allowedTypes maps each accepted content type to the sniffers that can
// confirm it. A declared type absent from this table is rejected outright.
var allowedTypes = map[string][]func([]byte) bool{
	"video/mp4":        {isISOBMFF},
	"video/quicktime":  {isISOBMFF},
	"video/webm":       {isMatroska},
	"video/x-matroska": {isMatroska},
	"audio/mpeg":       {isMP3},
	"audio/aac":        {isADTS},
	"audio/webm":       {isMatroska},
	"audio/wav":        {isWAV},
	"audio/x-wav":      {isWAV},
	"audio/ogg":        {isOgg},
	"video/ogg":        {isOgg},
	"audio/flac":       {isFLAC},
	"audio/x-flac":     {isFLAC},
}

func normalizeContentType(declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	return declared
}

func typeAllowed(contentType string) bool {
	_, ok := allowedTypes[contentType]
	return ok
}

// contentMatches reports whether the file's leading bytes are consistent with
// the declared content type.
func contentMatches(contentType string, head []byte) bool {
	sniffers := allowedTypes[contentType]
	for _, sniff := range sniffers {
		if sniff(head) {
			return true
		}
	}
	return false
}

func isISOBMFF(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp"))
}

func isMatroska(head []byte) bool {
	return bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3})
}

func isMP3(head []byte) bool {
	if bytes.HasPrefix(head, []byte("ID3")) {
		return true
	}
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

func isADTS(head []byte) bool {
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xF0 == 0xF0
}

func isWAV(head []byte) bool {
	return len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
}

func isOgg(head []byte) bool {
	return bytes.HasPrefix(head, []byte("OggS"))
}

func isFLAC(head []byte) bool {
	return bytes.HasPrefix(head, []byte("fLaC"))
}
