// Package scanner provides the strategies that walk the slots of a
// PKCS#11 provider and build an inventory of the tokens found:
// Basic reports everything, Card reports tokens with their certificates,
// and Certificate reports only the certificates that match a key usage policy.
package scanner
