// Package eutils is a client for the NCBI E-utilities history server.
//
// OpenContext submits a query with usehistory=y and retmax=0 so the server
// keeps the result list and reports its size. FetchSummaries and
// FetchDocuments then page through that list by offset and window.
package eutils
