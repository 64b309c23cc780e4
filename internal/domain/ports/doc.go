// Package ports defines the interfaces between the flow engine and its
// collaborators. Implementations live in infrastructure or outside the repo.
package ports
