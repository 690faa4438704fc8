// internal/app/helpers.go
package app

import (
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" This process represents ONE call identity.")
	log.Info(" Different folder/config = different identity.")
	log.Info("────────────────────────────────────────")
}
