// qrgen renders ticket tokens as QR code PNGs for lane rehearsals.
//
// Each generated ticket gets a fresh random token; pass -token to render a
// specific one instead. With -wrap the payload is the JSON envelope the
// ticketing backend issues, otherwise the bare token.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

func main() {
	var (
		out   = flag.String("out", ".", "Output directory for PNG files")
		count = flag.Int("n", 1, "Number of tickets to generate")
		tok   = flag.String("token", "", "Render this token instead of generating random ones")
		wrap  = flag.Bool("wrap", false, "Wrap the token in the backend JSON envelope")
		size  = flag.Int("size", 512, "PNG size in pixels")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *tok != "" {
		*count = 1
	}
	if *count < 1 {
		slog.Error("count must be >= 1", "n", *count)
		os.Exit(1)
	}

	for i := 0; i < *count; i++ {
		token := *tok
		if token == "" {
			token = uuid.New().String()
		}

		payload := token
		if *wrap {
			b, err := json.Marshal(map[string]string{"token": token})
			if err != nil {
				slog.Error("failed to build envelope", "error", err)
				os.Exit(1)
			}
			payload = string(b)
		}

		path := filepath.Join(*out, fmt.Sprintf("ticket-%s.png", token))
		if err := qrcode.WriteFile(payload, qrcode.Medium, *size, path); err != nil {
			slog.Error("failed to write qr code", "path", path, "error", err)
			os.Exit(1)
		}
		fmt.Println(path)
	}
}
