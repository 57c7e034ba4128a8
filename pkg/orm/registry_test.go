package orm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type author struct {
	ID   int64
	Name string
}

type book struct {
	ID     int64
	Author *Ref[author]
	Editor *Ref[author]
	Title  *string
}

type node struct {
	ID   int64
	Next *Ref[node]
}

type left struct {
	ID    int64
	Right *Ref[right]
}

type right struct {
	ID   int64
	Left *Ref[left]
}

func authorMapping() *EntityMetadata {
	return Entity[author]("Author", "author",
		Field("id", "id", TypeInteger, func(a *author) *int64 { return &a.ID }, ID()),
		Field("name", "name", TypeString, func(a *author) *string { return &a.Name }),
		GeneratedValue[author](GeneratorAuto),
	)
}

func bookMapping(fetch FetchMode) *EntityMetadata {
	return Entity[book]("Book", "book",
		Field("id", "id", TypeInteger, func(b *book) *int64 { return &b.ID }, ID()),
		ManyToOne("author", func(b *book) **Ref[author] { return &b.Author },
			[]JoinColumn{JoinOn("author_id", "id").NotNull()}, Fetch(fetch)),
		ManyToOne("editor", func(b *book) **Ref[author] { return &b.Editor },
			[]JoinColumn{JoinOn("editor_id", "id")}),
		Field("title", "title", TypeText, func(b *book) **string { return &b.Title }, Nullable()),
		GeneratedValue[book](GeneratorAuto),
	)
}

func buildRegistry(t *testing.T, metas ...*EntityMetadata) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(metas...))
	require.NoError(t, r.Build())
	return r
}

func TestRegistryOrdersInsertsByDependency(t *testing.T) {
	r := buildRegistry(t, bookMapping(FetchLazy), authorMapping())
	names := []string{}
	for _, m := range r.All() {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"Author", "Book"}, names)

	m, err := MetadataFor[book](r)
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, m.IdentifierColumns())
	a, ok := m.Association("author")
	require.True(t, ok)
	require.Equal(t, "Author", a.Target)
	require.False(t, a.Nullable())
	require.Same(t, r.byName["Author"], a.TargetMetadata())
	typ, ok := m.ColumnType("editor_id")
	require.True(t, ok)
	require.Equal(t, TypeInteger, typ)

	_, err = r.For(&author{})
	require.NoError(t, err)
	_, err = r.For(author{})
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestRegistryBreaksCyclesAtNullableAssociations(t *testing.T) {
	nodes := Entity[node]("Node", "node",
		Field("id", "id", TypeInteger, func(n *node) *int64 { return &n.ID }, ID()),
		ManyToOne("next", func(n *node) **Ref[node] { return &n.Next }, []JoinColumn{JoinOn("next_id", "id")}),
	)
	l := Entity[left]("Left", "left_side",
		Field("id", "id", TypeInteger, func(l *left) *int64 { return &l.ID }, ID()),
		OneToOne("right", func(l *left) **Ref[right] { return &l.Right }, []JoinColumn{JoinOn("right_id", "id").NotNull()}),
	)
	rt := Entity[right]("Right", "right_side",
		Field("id", "id", TypeInteger, func(r *right) *int64 { return &r.ID }, ID()),
		OneToOne("left", func(r *right) **Ref[left] { return &r.Left }, []JoinColumn{JoinOn("left_id", "id")}),
	)
	r := buildRegistry(t, nodes, l, rt)
	names := []string{}
	for _, m := range r.All() {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"Node", "Right", "Left"}, names)

	strict := Entity[right]("Right", "right_side",
		Field("id", "id", TypeInteger, func(r *right) *int64 { return &r.ID }, ID()),
		OneToOne("left", func(r *right) **Ref[left] { return &r.Left }, []JoinColumn{JoinOn("left_id", "id").NotNull()}),
	)
	l2 := Entity[left]("Left", "left_side",
		Field("id", "id", TypeInteger, func(l *left) *int64 { return &l.ID }, ID()),
		OneToOne("right", func(l *left) **Ref[right] { return &l.Right }, []JoinColumn{JoinOn("right_id", "id").NotNull()}),
	)
	bad := NewRegistry()
	require.NoError(t, bad.Register(l2, strict))
	require.ErrorIs(t, bad.Build(), ErrCommitOrderCycle)
}

func TestRegistryRejectsInvalidMappings(t *testing.T) {
	cases := map[string][]*EntityMetadata{
		"missing table": {Entity[author]("Author", "",
			Field("id", "id", TypeInteger, func(a *author) *int64 { return &a.ID }, ID()))},
		"unknown column type": {Entity[author]("Author", "author",
			Field("id", "id", ColumnType("uuid"), func(a *author) *int64 { return &a.ID }, ID()))},
		"no identifier": {Entity[author]("Author", "author",
			Field("id", "id", TypeInteger, func(a *author) *int64 { return &a.ID }))},
		"duplicate column": {Entity[author]("Author", "author",
			Field("id", "id", TypeInteger, func(a *author) *int64 { return &a.ID }, ID()),
			Field("name", "id", TypeString, func(a *author) *string { return &a.Name }))},
		"nullable identifier": {Entity[author]("Author", "author",
			Field("id", "id", TypeInteger, func(a *author) *int64 { return &a.ID }, ID(), Nullable()))},
		"generated string identifier": {Entity[author]("Author", "author",
			Field("name", "name", TypeString, func(a *author) *string { return &a.Name }, ID()),
			GeneratedValue[author](GeneratorAuto))},
		"unregistered target": {bookMapping(FetchLazy)},
		"wrong referenced column": {authorMapping(), Entity[book]("Book", "book",
			Field("id", "id", TypeInteger, func(b *book) *int64 { return &b.ID }, ID()),
			ManyToOne("author", func(b *book) **Ref[author] { return &b.Author },
				[]JoinColumn{JoinOn("author_id", "name")}))},
		"shared table": {authorMapping(), Entity[book]("Book", "author",
			Field("id", "id", TypeInteger, func(b *book) *int64 { return &b.ID }, ID()))},
		"no join columns": {authorMapping(), Entity[book]("Book", "book",
			Field("id", "id", TypeInteger, func(b *book) *int64 { return &b.ID }, ID()),
			ManyToOne("author", func(b *book) **Ref[author] { return &b.Author }, nil))},
	}
	for name, metas := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, r.Register(metas...))
			require.ErrorIs(t, r.Build(), ErrInvalidMapping)
		})
	}
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(authorMapping()))
	require.ErrorIs(t, r.Register(authorMapping()), ErrInvalidMapping)
	_, err := MetadataFor[author](r)
	require.ErrorIs(t, err, ErrRegistryNotBuilt)
}
