// Package recycling holds the classification-and-decision core: it maps a
// classifier's ImageNet label onto a material type and brand, applies the
// acceptance threshold, and folds stored decisions into statistics.
package recycling
