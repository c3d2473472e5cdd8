package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/gosuri/uilive"
	"github.com/lkslts64/riptide/torrent"
	"github.com/spf13/cobra"
)

var (
	baseDir    string
	sequential bool
	seedTime   time.Duration
	debugAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "riptide-download <file.torrent>",
	Short: "riptide-download downloads the contents of a torrent file and seeds them for a while",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&baseDir, "dir", "d", ".", "directory the data is stored into")
	rootCmd.Flags().BoolVar(&sequential, "sequential", false, "download the pieces in order")
	rootCmd.Flags().DurationVar(&seedTime, "seed-time", time.Hour, "how long to seed after the download completes")
	rootCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "serve pprof and expvar on this address")
}

func run(cmd *cobra.Command, args []string) error {
	if debugAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(debugAddr, nil))
		}()
	}
	cfg, err := torrent.DefaultConfig()
	if err != nil {
		return err
	}
	cfg.BaseDir = baseDir
	cfg.SequentialDownload = sequential
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()
	t, err := cl.AddFromFile(args[0])
	if err != nil {
		return err
	}
	<-t.InfoC
	if err = t.StartDataTransfer(); err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var seedC <-chan time.Time
	downloadC := t.DownloadedDataC
	w := uilive.New()
	w.Start()
	defer w.Stop()
	for {
		select {
		case <-downloadC:
			fmt.Println("downloaded torrent, seeding from now on")
			seedC = time.NewTimer(seedTime).C
			downloadC = nil
		case <-ticker.C:
			if t.Closed() {
				return errors.New("torrent closed abnormally")
			}
			t.WriteStatus(w)
		case <-seedC:
			return nil
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
