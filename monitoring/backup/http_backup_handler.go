// Package backup exposes a webhook that triggers a hot backup of the
// validator database.
package backup

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "backup")

// Exporter is anything that can write a point-in-time copy of itself to
// outputPath. The validator database implements it.
type Exporter interface {
	Backup(ctx context.Context, outputPath string, permissionOverride bool) error
}

// Handler returns an http handler that takes a backup of bk into outputDir on
// every request. Presence of the permissionOverride query key relaxes the
// backup file mode from read-only to 0600.
func Handler(bk Exporter, outputDir string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug("Creating database backup from HTTP webhook")

		_, permissionOverride := r.URL.Query()["permissionOverride"]

		if err := bk.Backup(r.Context(), outputDir, permissionOverride); err != nil {
			log.WithError(err).Error("Failed to create backup")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, "OK"); err != nil {
			log.WithError(err).Error("Failed to write response")
		}
	}
}
