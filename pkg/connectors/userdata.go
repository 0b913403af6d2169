package connectors

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"

	"github.com/openfroyo/broker/pkg/engine"
)

const mimeBoundary = "==BROKER-USERDATA=="

// CombineUserData merges user-data fragments into one cloud-init payload.
// A single fragment is passed through unchanged; several fragments become a
// multipart/mixed document.
func CombineUserData(parts []engine.UserData) (string, error) {
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0].Content, nil
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.SetBoundary(mimeBoundary); err != nil {
		return "", err
	}
	for i, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", contentType(p.Type))
		header.Set("MIME-Version", "1.0")
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"part-%03d\"", i))
		pw, err := w.CreatePart(header)
		if err != nil {
			return "", fmt.Errorf("user data part %d: %w", i, err)
		}
		if _, err := pw.Write([]byte(p.Content)); err != nil {
			return "", fmt.Errorf("user data part %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\nMIME-Version: 1.0\n\n%s",
		mimeBoundary, body.String()), nil
}

func contentType(t engine.UserDataType) string {
	switch t {
	case engine.UserDataShellScript:
		return "text/x-shellscript"
	default:
		return "text/cloud-config"
	}
}
