// Package static serves site files over HTTP on top of the cached store:
// URL to path mapping under the site webroot, directory index and listing,
// content type detection, and ETag / Last-Modified validators.
package static
