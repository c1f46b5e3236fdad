package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/torrentinno/torrentinno/torrent"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: torrentinno <descriptor.json> <destination-path>\n")
		os.Exit(1)
	}

	descriptorPath := os.Args[1]
	destPath := os.Args[2]

	log := logrus.NewEntry(logrus.StandardLogger())

	descriptor, err := torrent.LoadDescriptor(descriptorPath)
	if err != nil {
		colorstring.Fprintln(os.Stderr, fmt.Sprintf("[red]failed to load descriptor: %v", err))
		os.Exit(1)
	}

	facade, err := torrent.NewFacade(torrent.FacadeConfig{}, log)
	if err != nil {
		colorstring.Fprintln(os.Stderr, fmt.Sprintf("[red]failed to start facade: %v", err))
		os.Exit(1)
	}
	defer facade.Shutdown()

	colorstring.Println(fmt.Sprintf("[green]host peer id: %s", facade.HostIDHex()))

	port, err := facade.StartDownloadFile(descriptor, destPath)
	if err != nil {
		colorstring.Fprintln(os.Stderr, fmt.Sprintf("[red]failed to start download: %v", err))
		os.Exit(1)
	}
	colorstring.Println(fmt.Sprintf("[green]listening on port %d", port))

	bar := progressbar.NewOptions(descriptor.NumPieces(),
		progressbar.OptionSetDescription(descriptor.Name),
		progressbar.OptionShowCount(),
	)

	for {
		state, _ := facade.GetState(destPath)
		owned := 0
		for _, v := range state.Owned {
			if v {
				owned++
			}
		}
		bar.Set(owned)

		if state.FullyOwned {
			colorstring.Println("[green]download complete")
			fmt.Printf("down: %s/s up: %s/s\n",
				humanize.Bytes(uint64(state.DownloadBps)), humanize.Bytes(uint64(state.UploadBps)))
			return
		}
		time.Sleep(time.Second)
	}
}
