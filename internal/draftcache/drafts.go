package draftcache

import "github.com/keithlinneman/sitepress/internal/store"

// Key identifies one page draft.
type Key struct {
	ProjectID string
	Page      string
}

// Drafts caches the last saved version of each page.
type Drafts struct {
	lru *LRU[Key, store.Page]
}

func NewDrafts(capacity int) *Drafts {
	return &Drafts{lru: New[Key, store.Page](capacity)}
}

// Put stores a copy of p.
func (d *Drafts) Put(p *store.Page) {
	if p == nil {
		return
	}
	d.lru.Add(Key{ProjectID: p.ProjectID, Page: p.Slug}, *p)
}

func (d *Drafts) Get(projectID, page string) (*store.Page, bool) {
	p, ok := d.lru.Get(Key{ProjectID: projectID, Page: page})
	if !ok {
		return nil, false
	}
	return &p, true
}

func (d *Drafts) Forget(projectID, page string) {
	d.lru.Remove(Key{ProjectID: projectID, Page: page})
}

// ForgetProject drops every draft of a project.
func (d *Drafts) ForgetProject(projectID string) {
	d.lru.RemoveFunc(func(k Key) bool { return k.ProjectID == projectID })
}

func (d *Drafts) Len() int { return d.lru.Len() }
