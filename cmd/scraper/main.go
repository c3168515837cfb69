// Command scraper runs the scraping job service and its client commands.
//
// Run the service with `scraper serve --config config.yaml`; every key can also be
// set through SCRAPER_-prefixed environment variables (SCRAPER_POOL_WORKER_COUNT,
// SCRAPER_STORAGE_BACKEND, ...). Submit work with `scraper submit URL` and follow it
// with `scraper status JOB_ID` or `scraper result --wait 30s JOB_ID`.
package main

import "github.com/Yukselcsgn/dynamic-web-scraper/cmd"

func main() {
	cmd.Execute()
}
