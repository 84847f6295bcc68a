// Package cmd defines the fellowcrawl CLI commands.
//
//	fellowcrawl crawl [--base-url URL] [--selector CSS] [--output FILE] [--max-pages N]
//	fellowcrawl show FILE.csv
//
// Every command accepts --config and --env-file. Settings resolve in the order
// flag, environment (FELLOWCRAWL_*), config file, default.
package cmd
