package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/specklesystems/speckle-server-sub009/serializer"
	"github.com/specklesystems/speckle-server-sub009/stream"
	"github.com/specklesystems/speckle-server-sub009/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send <file.json>",
	Short: "Decompose a JSON object graph and upload it",
	Long: `Decompose a JSON object graph into records and upload the ones the
server does not already hold. Prints the root object id.

Properties named "@name" are stored as separate records; "@(N)name" splits
a list into chunks of N items. Per-type rules can be given in the config
file under "schemas".

Examples:
  speckle send model.json --server http://localhost:3000 --stream s1
  speckle send model.json --dry-run > records.txt   # print records, upload nothing
  cat model.json | speckle send -`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var (
	sendDryRun   bool
	sendCompress bool
)

func init() {
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Print records as id<TAB>json lines instead of uploading")
	sendCmd.Flags().BoolVar(&sendCompress, "gzip", false, "Gzip upload batches")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cmd)

	root, err := readTree(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	var writer serializer.Writer
	if sendDryRun {
		writer = &lineWriter{w: stream.NewWriter(cmd.OutOrStdout())}
	} else {
		if err := cfg.Validate(); err != nil {
			return err
		}
		writer, err = transport.New(transport.Options{
			ServerURL:     cfg.Server,
			ProjectID:     cfg.Stream,
			Token:         cfg.Token,
			MaxBufferSize: cfg.MaxBufferSize,
			MaxRetries:    cfg.MaxRetries,
			RetryBackoff:  cfg.RetryBackoff,
			Timeout:       cfg.UploadTimeout,
			Compress:      cfg.Compress || sendCompress,
			Logger:        log,
		})
		if err != nil {
			return err
		}
	}

	s := serializer.New(cfg.Registry(),
		serializer.WithLogger(log),
		serializer.WithChunkSize(cfg.ChunkSize),
		serializer.WithWriters(writer))
	res, err := s.Write(cmd.Context(), root)
	if err != nil {
		return err
	}

	if sendDryRun {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Hash)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Hash)
	return nil
}

// readTree reads the root object from path, or from stdin when path is "-".
// Numbers keep their literal text.
func readTree(stdin io.Reader, path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%s: root must be a JSON object", path)
	}
	return root, nil
}

// lineWriter prints records in the download line format.
type lineWriter struct {
	w *stream.Writer
}

func (l *lineWriter) Write(_ context.Context, encoded string, _ int, id string) error {
	return l.w.Write(id, []byte(encoded))
}

func (l *lineWriter) Flush(context.Context) error { return nil }
