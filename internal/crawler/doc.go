// Package crawler implements the paginating fellowship crawl: fetch a
// directory page, scope and extract its records, filter them, and move on to
// the next page until the directory runs out.
package crawler
