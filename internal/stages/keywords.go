// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import "strings"

// keywordMatcher is an Aho-Corasick automaton over lower-cased keywords.
// It finds every keyword in a text in one pass, O(n + m + z) for text
// length n, total keyword length m and z matches. It is immutable once
// built and safe for concurrent use.
type keywordMatcher struct {
	root   *acNode
	labels []string
}

type acNode struct {
	children map[rune]*acNode
	failure  *acNode
	// output holds label indices of keywords ending here, including those
	// inherited through the failure link.
	output []int
}

func newACNode() *acNode {
	return &acNode{children: make(map[rune]*acNode)}
}

// newKeywordMatcher builds a case-insensitive matcher from keyword → label.
// Empty keywords are ignored.
func newKeywordMatcher(keywords map[string]string) *keywordMatcher {
	m := &keywordMatcher{root: newACNode()}
	for word, label := range keywords {
		word = strings.ToLower(word)
		if word == "" {
			continue
		}
		node := m.root
		for _, ch := range word {
			next := node.children[ch]
			if next == nil {
				next = newACNode()
				node.children[ch] = next
			}
			node = next
		}
		node.output = append(node.output, len(m.labels))
		m.labels = append(m.labels, label)
	}
	m.buildFailureLinks()
	return m
}

// buildFailureLinks walks the trie breadth first, pointing each node at the
// longest proper suffix that is also a trie path.
func (m *keywordMatcher) buildFailureLinks() {
	queue := make([]*acNode, 0, len(m.root.children))
	for _, child := range m.root.children {
		child.failure = m.root
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for ch, child := range current.children {
			queue = append(queue, child)

			fail := current.failure
			for fail != nil && fail.children[ch] == nil {
				fail = fail.failure
			}
			if fail == nil {
				child.failure = m.root
				continue
			}
			child.failure = fail.children[ch]
			child.output = append(child.output, child.failure.output...)
		}
	}
}

// match calls fn with the label of every keyword occurring in text.
// A label is reported once per occurrence.
func (m *keywordMatcher) match(text string, fn func(label string)) {
	if len(m.labels) == 0 {
		return
	}
	node := m.root
	for _, ch := range strings.ToLower(text) {
		for node != nil && node.children[ch] == nil {
			node = node.failure
		}
		if node == nil {
			node = m.root
			continue
		}
		node = node.children[ch]
		for _, idx := range node.output {
			fn(m.labels[idx])
		}
	}
}
