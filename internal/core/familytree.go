package core

// FamilyRole describes how a node relates to its parent in the tree.
type FamilyRole string

const (
	RoleSubject FamilyRole = "subject"
	RoleMother  FamilyRole = "mother"
	RoleFather  FamilyRole = "father"
)

// FamilyNode is one animal in an ancestry tree. Children holds the node's own
// parents, mother first.
type FamilyNode struct {
	Identifier string        `json:"identifier"`
	Role       FamilyRole    `json:"role"`
	Sex        Sex           `json:"sex,omitempty"`
	Strain     string        `json:"strain,omitempty"`
	Missing    bool          `json:"missing,omitempty"`
	Cycle      bool          `json:"cycle,omitempty"`
	Repeat     bool          `json:"repeat,omitempty"`
	Children   []*FamilyNode `json:"children,omitempty"`
}

// BuildFamilyTree walks mother/father references upward from the animal.
// maxDepth limits the number of ancestor generations; 0 means unlimited.
// An ancestor already present on the current path is emitted as a leaf flagged
// Cycle. An ancestor whose parents were already expanded elsewhere in the tree
// is emitted as a leaf flagged Repeat, so inbred pedigrees stay linear in the
// number of distinct animals. A parent reference that does not resolve is
// emitted flagged Missing.
func BuildFamilyTree(view TransactionView, animalID string, maxDepth int) (*FamilyNode, error) {
	root, err := view.FindAnimal(animalID)
	if err != nil {
		return nil, err
	}
	b := treeBuilder{
		view:     view,
		maxDepth: maxDepth,
		onPath:   make(map[string]bool),
		expanded: make(map[string]int),
	}
	return b.build(root, RoleSubject, 0)
}

type treeBuilder struct {
	view     TransactionView
	maxDepth int
	onPath   map[string]bool
	// expanded holds the shallowest depth at which an animal's parents were
	// listed. A later visit at that depth or deeper would repeat the subtree.
	expanded map[string]int
}

func (b *treeBuilder) build(a Animal, role FamilyRole, depth int) (*FamilyNode, error) {
	node := &FamilyNode{Identifier: a.Identifier, Role: role, Sex: a.Sex, Strain: a.Strain}
	if b.maxDepth > 0 && depth >= b.maxDepth {
		return node, nil
	}
	b.expanded[a.Identifier] = depth
	b.onPath[a.Identifier] = true
	defer delete(b.onPath, a.Identifier)

	parents := []struct {
		id   *string
		role FamilyRole
	}{
		{a.MotherID, RoleMother},
		{a.FatherID, RoleFather},
	}
	for _, p := range parents {
		if p.id == nil || *p.id == "" {
			continue
		}
		if b.onPath[*p.id] {
			node.Children = append(node.Children, &FamilyNode{Identifier: *p.id, Role: p.role, Cycle: true})
			continue
		}
		parent, err := b.view.FindAnimal(*p.id)
		if err != nil {
			if IsNotFound(err) {
				node.Children = append(node.Children, &FamilyNode{Identifier: *p.id, Role: p.role, Missing: true})
				continue
			}
			return nil, err
		}
		if at, ok := b.expanded[parent.Identifier]; ok && at <= depth+1 {
			node.Children = append(node.Children, &FamilyNode{
				Identifier: parent.Identifier, Role: p.role, Sex: parent.Sex, Strain: parent.Strain, Repeat: true,
			})
			continue
		}
		child, err := b.build(parent, p.role, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// Walk visits the node and its ancestors depth first.
func (n *FamilyNode) Walk(fn func(node *FamilyNode, depth int)) {
	n.walk(fn, 0)
}

func (n *FamilyNode) walk(fn func(*FamilyNode, int), depth int) {
	fn(n, depth)
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}
