package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/panelbroker/gamebroker/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	archiveSince time.Duration
	archiveOut   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload decided requests to S3 as JSON lines",
	RunE:  runArchive,
}

var archiveListCmd = &cobra.Command{
	Use:   "list [yyyy/mm/dd]",
	Short: "List archive objects, optionally under a date prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runArchiveList,
}

var archiveFetchCmd = &cobra.Command{
	Use:   "fetch <s3-key>",
	Short: "Download an archive object and verify its checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveFetch,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveFetchCmd)

	archiveCmd.Flags().DurationVar(&archiveSince, "since", 24*time.Hour, "Archive requests decided within this window (0 for all)")
	archiveFetchCmd.Flags().StringVar(&archiveOut, "out", "", "Local path (defaults to the object name)")
}

func openArchive(ctx context.Context, a *app) (*storage.Client, error) {
	if err := a.cfg.ValidateArchive(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	client, err := storage.NewClient(ctx, storage.Options{
		Bucket:   a.cfg.S3Bucket,
		Region:   a.cfg.S3Region,
		Prefix:   a.cfg.S3Prefix,
		Endpoint: a.cfg.S3Endpoint,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	s3Client, err := openArchive(ctx, a)
	if err != nil {
		return err
	}

	var since time.Time
	if archiveSince > 0 {
		since = time.Now().Add(-archiveSince)
	}

	requests, err := a.repo.ListDecided(ctx, since)
	if err != nil {
		return explain(err)
	}

	result, err := s3Client.Archive(ctx, requests)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Println("No decided requests to archive")
		return nil
	}

	fmt.Printf("✓ Archived %d request(s) to s3://%s/%s\n", result.Count, a.cfg.S3Bucket, result.Key)
	fmt.Printf("  SHA256: %s\n", result.SHA256)
	return nil
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	s3Client, err := openArchive(ctx, a)
	if err != nil {
		return err
	}

	sub := ""
	if len(args) == 1 {
		sub = args[0]
	}

	keys, err := s3Client.ListObjects(ctx, sub)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No archives found")
		return nil
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runArchiveFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	key := args[0]

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	s3Client, err := openArchive(ctx, a)
	if err != nil {
		return err
	}

	out := archiveOut
	if out == "" {
		out = filepath.Base(key)
	}

	result, err := s3Client.Download(ctx, key, out)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Downloaded %s (%d bytes) to %s\n", key, result.Size, result.LocalPath)
	fmt.Printf("  SHA256: %s\n", result.SHA256)
	return nil
}
