// Package models contains the job types shared by the store, the runner and the API.
package models
