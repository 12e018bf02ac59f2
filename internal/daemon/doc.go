// Package daemon provides the inbox daemon that applies envelope files.
//
// Producers that cannot call the local process directly (batch exports,
// webhooks, a cron job pulling from the API) drop envelope files into an
// inbox directory. The daemon:
//
//  1. Processes every *.json file already in the inbox on startup
//  2. Watches the inbox with fsnotify for new or rewritten files
//  3. Waits for a file to stay quiet for the debounce interval
//  4. Applies its directive through a fetch.Client
//  5. Moves it to applied/ or failed/
//
// A failed file is never retried. Its reason is written next to it as
// <name>.json.err.
//
// # File Watching
//
// The FileWatcher component provides a small abstraction over fsnotify:
//
//	fw, err := daemon.NewFileWatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/var/lib/tsync/inbox"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range fw.Events() {
//	    log.Printf("%s %s", event.Op, event.Path)
//	}
//
// Hidden files are ignored, so writers can stage into .name.json and rename
// into place for an atomic hand-off.
package daemon
