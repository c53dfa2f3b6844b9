package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"turntable/pkg/models"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// Roles a user account can hold. Both map to the member principal class;
// admins may additionally manage the device cache.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User represents a console account with a hashed password
type User struct {
	Username string `toml:"username"`
	Password string `toml:"password"` // hashed on first load
	Role     string `toml:"role"`
	Created  string `toml:"created"`
}

// UserConfig represents the structure of users.toml
type UserConfig struct {
	Users []User `toml:"users"`
}

// UserStore manages accounts backed by a TOML file
type UserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	filePath string
	cost     int
}

// NewUserStore loads users from filePath, creating it with a generated
// admin account when it does not exist.
func NewUserStore(filePath string) (*UserStore, error) {
	return newUserStore(filePath, 12)
}

func newUserStore(filePath string, cost int) (*UserStore, error) {
	store := &UserStore{
		users:    make(map[string]*User),
		filePath: filePath,
		cost:     cost,
	}

	if err := store.loadUsers(); err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	return store, nil
}

// loadUsers reads the users file and hashes any plaintext passwords in it
func (us *UserStore) loadUsers() error {
	if _, err := os.Stat(us.filePath); os.IsNotExist(err) {
		return us.createDefaultUser()
	}

	var config UserConfig
	if _, err := toml.DecodeFile(us.filePath, &config); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	needsSave := false
	for i := range config.Users {
		user := &config.Users[i]
		if user.Username == "" {
			return fmt.Errorf("user entry %d has no username", i)
		}
		if user.Role == "" {
			user.Role = RoleMember
			needsSave = true
		}
		if user.Role != RoleMember && user.Role != RoleAdmin {
			return fmt.Errorf("user %s has unknown role %q", user.Username, user.Role)
		}

		if !isHashedPassword(user.Password) {
			hashed, err := us.hashPassword(user.Password)
			if err != nil {
				return fmt.Errorf("failed to hash password for user %s: %w", user.Username, err)
			}
			user.Password = hashed
			needsSave = true
		}

		us.users[user.Username] = user
	}

	if needsSave {
		return us.saveUsers(&config)
	}
	return nil
}

// createDefaultUser writes a users file holding one admin with a random password
func (us *UserStore) createDefaultUser() error {
	password, err := generateRandomPassword(12)
	if err != nil {
		return fmt.Errorf("failed to generate default password: %w", err)
	}

	hashed, err := us.hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}

	defaultUser := User{
		Username: "admin",
		Password: hashed,
		Role:     RoleAdmin,
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}
	us.users[defaultUser.Username] = &defaultUser

	if err := us.saveUsers(&UserConfig{Users: []User{defaultUser}}); err != nil {
		return err
	}

	fmt.Printf("\n"+
		"=====================================\n"+
		"DEFAULT ADMIN USER CREATED\n"+
		"=====================================\n"+
		"Username: admin\n"+
		"Password: %s\n"+
		"=====================================\n"+
		"Change this password by editing %s\n\n", password, us.filePath)

	return nil
}

// saveUsers writes config to the users file
func (us *UserStore) saveUsers(config *UserConfig) error {
	file, err := os.OpenFile(us.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create users file: %w", err)
	}
	defer file.Close()

	header := `# Turntable Users
# Accounts listed here sign in as members and may play tracks from remote storage.
# Plaintext passwords are hashed automatically when the console starts.
# role is "member" or "admin".

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write users file header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode users to TOML: %w", err)
	}
	return nil
}

// Authenticate checks a username and password pair
func (us *UserStore) Authenticate(username, password string) bool {
	us.mu.RLock()
	user, exists := us.users[username]
	us.mu.RUnlock()
	if !exists {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil
}

// GetUser returns a user without the password hash
func (us *UserStore) GetUser(username string) *User {
	us.mu.RLock()
	defer us.mu.RUnlock()

	user, exists := us.users[username]
	if !exists {
		return nil
	}
	return &User{
		Username: user.Username,
		Role:     user.Role,
		Created:  user.Created,
	}
}

// RegisterUser adds a member account and persists the users file
func (us *UserStore) RegisterUser(username, password string) error {
	hashed, err := us.hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if _, exists := us.users[username]; exists {
		return fmt.Errorf("user already exists")
	}

	us.users[username] = &User{
		Username: username,
		Password: hashed,
		Role:     RoleMember,
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}

	usersList := make([]User, 0, len(us.users))
	for _, user := range us.users {
		usersList = append(usersList, *user)
	}
	sort.Slice(usersList, func(i, j int) bool { return usersList[i].Username < usersList[j].Username })

	return us.saveUsers(&UserConfig{Users: usersList})
}

// Principal returns the identity of an account. Unknown users are guests.
func (us *UserStore) Principal(username string) models.Principal {
	user := us.GetUser(username)
	if user == nil {
		return models.Guest()
	}
	return models.Principal{
		ID:            user.Username,
		Class:         models.ClassMember,
		Authenticated: true,
	}
}

// IsAdmin reports whether username holds the admin role
func (us *UserStore) IsAdmin(username string) bool {
	user := us.GetUser(username)
	return user != nil && user.Role == RoleAdmin
}

func (us *UserStore) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), us.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isHashedPassword checks for a bcrypt prefix ($2a$, $2b$, $2x$ or $2y$)
func isHashedPassword(password string) bool {
	return len(password) >= 4 &&
		password[0] == '$' &&
		password[1] == '2' &&
		(password[2] == 'a' || password[2] == 'b' || password[2] == 'x' || password[2] == 'y') &&
		password[3] == '$'
}

// generateRandomPassword generates a hex password of the given length
func generateRandomPassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
