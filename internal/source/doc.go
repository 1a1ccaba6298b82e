// Package source reads hive measurements from the BeeSense REST API.
package source
