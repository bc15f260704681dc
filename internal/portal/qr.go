package portal

import (
	"net/http"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// handleQR handles GET /qr.png. It renders a Wi-Fi join code for the
// fallback access point, and is not found while the node is on its
// configured network.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if !s.node.Fallback() {
		http.NotFound(w, r)
		return
	}

	ssid, password := s.node.AccessPointCredentials()
	png, err := qrcode.Encode(wifiURI(ssid, password), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr encode failed", "error", err)
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

var wifiEscaper = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\;`,
	`,`, `\,`,
	`:`, `\:`,
	`"`, `\"`,
)

// wifiURI builds the WIFI: payload understood by phone cameras.
func wifiURI(ssid, password string) string {
	if password == "" {
		return "WIFI:T:nopass;S:" + wifiEscaper.Replace(ssid) + ";;"
	}
	return "WIFI:T:WPA;S:" + wifiEscaper.Replace(ssid) + ";P:" + wifiEscaper.Replace(password) + ";;"
}
