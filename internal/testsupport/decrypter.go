package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/shehryarbajwa/docfetch/internal/document"
)

// PDFMagic starts every document the fake Decrypter accepts.
const PDFMagic = "%PDF-1.7\n"

// Decrypter "decrypts" documents starting with PDFMagic by prefixing them
// with "unlocked:". Anything else is unreadable.
type Decrypter struct {
	Password string

	mu    sync.Mutex
	calls int
}

func (d *Decrypter) Decrypt(ctx context.Context, src, dst, password string) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: %v", document.ErrUnreadable, err)
	}
	if !bytes.HasPrefix(data, []byte(PDFMagic)) {
		return fmt.Errorf("%w: missing header", document.ErrUnreadable)
	}
	if password != d.Password {
		return document.ErrWrongPassword
	}
	return os.WriteFile(dst, append([]byte("unlocked:"), data...), 0o644)
}

// Calls returns how many times Decrypt ran.
func (d *Decrypter) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
