package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/database/mariadb"
	"github.com/jbenedik/face-registry/internal/database/postgres"
	"github.com/jbenedik/face-registry/internal/embedding"
)

var importCmd = &cobra.Command{
	Use:   "import [faces.jsonl]",
	Short: "Import face observations into the registry",
	Long: `Import face observations from a JSON-lines file or from the legacy
photo archive database. Each record carries the encoder mean vector and
either an explicit variance or the detector quality signals it is derived
from. Faces already in the registry are skipped, so imports can be re-run.

Examples:
  # Import from a JSON-lines export
  face-registry import faces.jsonl

  # Import face markers from the legacy MariaDB photo archive
  face-registry import --from-archive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Bool("from-archive", false, "Import from the legacy photo archive (ARCHIVE_DATABASE_URL)")
}

// faceRecord is one line of a JSON-lines import file.
type faceRecord struct {
	FaceID     string    `json:"face_id"`
	Mu         []float32 `json:"mu"`
	SigmaSq    []float64 `json:"sigma_sq,omitempty"`
	DetScore   float64   `json:"det_score,omitempty"`
	FaceAreaPx float64   `json:"face_area_px,omitempty"`
	Blur       float64   `json:"blur,omitempty"`
	Model      string    `json:"model,omitempty"`
}

func runImport(cmd *cobra.Command, args []string) error {
	fromArchive := mustGetBool(cmd, "from-archive")
	if fromArchive == (len(args) == 1) {
		return errors.New("provide either a faces.jsonl file or --from-archive")
	}

	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Connecting to PostgreSQL...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	defer pool.Close()
	faceRepo := postgres.NewFaceRepository(pool)

	var records []faceRecord
	if fromArchive {
		records, err = readArchiveFaces(ctx, cfg.Archive.DatabaseURL)
	} else {
		records, err = readJSONLines(args[0])
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Nothing to import")
		return nil
	}

	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription("Importing faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("faces"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	cal := cfg.Calibration.Embedding
	var imported, skipped, failed int
	for _, rec := range records {
		bar.Add(1)

		if _, err := faceRepo.GetFace(ctx, rec.FaceID); err == nil {
			skipped++
			continue
		} else if !errors.Is(err, database.ErrFaceNotFound) {
			return fmt.Errorf("failed to check face %s: %w", rec.FaceID, err)
		}

		face, err := storedFaceFrom(rec, cal.Dim, cal.VarianceFloor)
		if err != nil {
			fmt.Printf("\nSkipping %s: %v\n", rec.FaceID, err)
			failed++
			continue
		}
		if err := faceRepo.SaveFace(ctx, face); err != nil {
			return fmt.Errorf("failed to save face %s: %w", rec.FaceID, err)
		}
		imported++
	}
	fmt.Println()

	fmt.Printf("\nImported %d faces (%d already present, %d invalid)\n", imported, skipped, failed)
	return nil
}

// storedFaceFrom validates a record and fills in derived variance when the
// source carried only quality signals.
func storedFaceFrom(rec faceRecord, dim int, varianceFloor float64) (database.StoredFace, error) {
	sigmaSq := rec.SigmaSq
	if len(sigmaSq) == 0 {
		sigmaSq = []float64{embedding.DeriveVariance(embedding.QualitySignals{
			DetScore:   rec.DetScore,
			FaceAreaPx: rec.FaceAreaPx,
			Blur:       rec.Blur,
		}, varianceFloor)}
	}

	emb := embedding.FaceEmbedding{FaceID: rec.FaceID, Mu: rec.Mu, SigmaSq: sigmaSq}
	if err := embedding.Validate(emb, dim, varianceFloor); err != nil {
		return database.StoredFace{}, err
	}

	return database.StoredFace{
		FaceID:     rec.FaceID,
		Mu:         rec.Mu,
		SigmaSq:    sigmaSq,
		DetScore:   rec.DetScore,
		FaceAreaPx: rec.FaceAreaPx,
		Blur:       rec.Blur,
		Model:      rec.Model,
		Dim:        dim,
		State:      database.ReviewInbox,
	}, nil
}

func readJSONLines(path string) ([]faceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var records []faceRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec faceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return records, nil
}

// readArchiveFaces pulls face markers out of the legacy photo archive. The
// archive stores no variance, so every face gets one derived from its
// detector score and crop size at import time.
func readArchiveFaces(ctx context.Context, dsn string) ([]faceRecord, error) {
	if dsn == "" {
		return nil, errors.New("ARCHIVE_DATABASE_URL environment variable is required for --from-archive")
	}

	fmt.Println("Connecting to the photo archive (MariaDB)...")
	archive, err := mariadb.NewPool(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the photo archive: %w", err)
	}
	defer archive.Close()

	count, err := archive.CountFaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count archive faces: %w", err)
	}
	fmt.Printf("Archive holds %d face markers\n", count)

	faces, err := archive.GetFaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive faces: %w", err)
	}

	records := make([]faceRecord, 0, len(faces))
	for _, f := range faces {
		records = append(records, faceRecord{
			FaceID:     f.MarkerUID,
			Mu:         f.Embedding,
			DetScore:   f.Score,
			FaceAreaPx: float64(f.Size) * float64(f.Size),
			Model:      "archive",
		})
	}
	return records, nil
}
